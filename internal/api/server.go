package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"idguard/internal/alerts"
	"idguard/internal/config"
	"idguard/internal/metrics"
	"idguard/internal/model"
)

type EngineControl interface {
	Reset()
}

// Deps are the components the API reads from. Nil members disable the
// routes that need them.
type Deps struct {
	Alerts     *alerts.Store
	Identities *metrics.Store
	Collectors *metrics.Collectors
	Engine     EngineControl
	// Events, when set, is mounted at POST /events.
	Events http.Handler
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Uptime     string          `json:"uptime"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	Detection  detectionStatus `json:"detection"`
	Storage    storageStatus   `json:"storage"`
	Alerts     int             `json:"alerts"`
	Identities int             `json:"identities"`
	Active     int             `json:"active_attacks"`
}

type ingestStatus struct {
	SSH    bool `json:"ssh"`
	Syslog bool `json:"syslog"`
	Audit  bool `json:"audit"`
	Kafka  bool `json:"kafka"`
	ML     bool `json:"ml"`
}

type detectionStatus struct {
	HistoryWindow   int    `json:"history_window"`
	AlertCooldown   string `json:"alert_cooldown"`
	CooldownBackend string `json:"cooldown_backend"`
	StoreLimit      int    `json:"store_limit"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/identities", s.handleIdentities)
	mux.HandleFunc("/identities/", s.handleIdentities)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	if s.deps.Collectors != nil {
		mux.Handle("/metrics", s.deps.Collectors.Handler())
	}
	if s.deps.Events != nil {
		mux.Handle("/events", s.deps.Events)
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(cfg, deps, logger, version).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			SSH:    cfg.Ingest.SSH.Enabled,
			Syslog: cfg.Ingest.Syslog.Enabled,
			Audit:  cfg.Ingest.Audit.Enabled,
			Kafka:  cfg.Ingest.Kafka.Enabled,
			ML:     cfg.Ingest.ML.Enabled,
		},
		Detection: detectionStatus{
			HistoryWindow:   cfg.Detection.HistoryWindow,
			AlertCooldown:   cfg.Detection.AlertCooldown.String(),
			CooldownBackend: cfg.Cooldown.Backend,
			StoreLimit:      cfg.Alerts.StoreLimit,
		},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
	}
	if s.deps.Alerts != nil {
		resp.Alerts = s.deps.Alerts.Len()
	}
	if s.deps.Identities != nil {
		resp.Identities = len(s.deps.Identities.All())
		resp.Active = s.deps.Identities.ActiveAttacks()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Alerts == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	var list []model.Alert
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deps.Alerts.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.deps.Alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Identities == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/identities")
	id = strings.TrimPrefix(id, "/")
	if id != "" {
		snap, ok := s.deps.Identities.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	all := s.deps.Identities.All()
	writeJSON(w, http.StatusOK, map[string]any{
		"identities": all,
		"count":      len(all),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	clearAlerts := target == "all" || target == "alerts"
	clearIdentities := target == "all" || target == "identities"
	if !clearAlerts && !clearIdentities {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if clearAlerts && s.deps.Alerts != nil {
		if err := s.deps.Alerts.Clear(r.Context()); err != nil {
			if s.logger != nil {
				s.logger.Error("clear alerts failed", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	if clearIdentities {
		// Risk histories are reset along with the view.
		if s.deps.Engine != nil {
			s.deps.Engine.Reset()
		}
		if s.deps.Identities != nil {
			s.deps.Identities.Clear()
		}
	}
	if s.logger != nil {
		s.logger.Info("admin clear", "target", target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

// handleRestart resets detection state: risk histories, cooldowns and the
// replay cache. Stored alerts are kept.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Engine != nil {
		s.deps.Engine.Reset()
	}
	if s.logger != nil {
		s.logger.Info("admin restart")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
