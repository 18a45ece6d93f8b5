package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

const maxEventBody = 2 << 20

// EventHandler accepts one JSON event or a JSON array of events on POST and
// queues the ones that pass schema validation and normalize cleanly.
type EventHandler struct {
	normalizer *normalize.Normalizer
	out        chan<- model.NormalizedEvent
	logger     *slog.Logger
}

func NewEventHandler(normalizer *normalize.Normalizer, out chan<- model.NormalizedEvent, logger *slog.Logger) *EventHandler {
	return &EventHandler{normalizer: normalizer, out: out, logger: logger}
}

func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 || !json.Valid(trim) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var docs []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &docs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		docs = []json.RawMessage{trim}
	}

	accepted, failed := 0, 0
	for _, doc := range docs {
		if h.process(r.Context(), doc) {
			accepted++
		} else {
			failed++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (h *EventHandler) process(ctx context.Context, doc []byte) bool {
	ev, err := decodeEventJSON(h.normalizer, doc)
	if err == nil {
		return SendNonBlocking(ctx, h.out, ev, h.logger)
	}
	if h.logger != nil {
		h.logger.Warn("rest event rejected", "err", err)
	}
	return false
}
