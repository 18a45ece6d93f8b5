package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

// eventDoc renders a complete JSON event; overrides replace fields and drop
// removes them.
func eventDoc(t *testing.T, overrides map[string]any, drop ...string) string {
	t.Helper()
	doc := map[string]any{
		"user_id":                        "alice",
		"role":                           "employee",
		"department":                     "it",
		"privilege_level":                1,
		"auth_type":                      "sso",
		"login_result":                   "success",
		"failed_attempts_before_success": 0,
		"timestamp":                      "2026-03-06T12:00:00Z",
		"hour_of_day":                    12,
		"day_of_week":                    4,
		"country":                        "India",
		"is_vpn":                         0,
		"device_type":                    "laptop",
		"resource_name":                  "wiki",
		"resource_type":                  "app",
		"resource_sensitivity":           2,
		"access_action":                  "read",
		"access_result":                  "success",
		"is_anomaly":                     0,
	}
	for k, v := range overrides {
		doc[k] = v
	}
	for _, k := range drop {
		delete(doc, k)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(data)
}

func TestValidateEventJSON(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"complete", eventDoc(t, nil), true},
		{"string numbers", eventDoc(t, map[string]any{"hour_of_day": "12", "is_vpn": "1"}), true},
		{"boolean flags", eventDoc(t, map[string]any{"is_anomaly": true}), true},
		{"missing user", eventDoc(t, nil, "user_id"), false},
		{"missing anomaly flag", eventDoc(t, nil, "is_anomaly"), false},
		{"missing country", eventDoc(t, nil, "country"), false},
		{"hour out of range", eventDoc(t, map[string]any{"hour_of_day": 24}), false},
		{"sensitivity out of range", eventDoc(t, map[string]any{"resource_sensitivity": 0}), false},
		{"not an object", `["a"]`, false},
		{"not json", `{`, false},
	}
	for _, tc := range cases {
		err := ValidateEventJSON([]byte(tc.doc))
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestDecodeEventJSON(t *testing.T) {
	n := normalize.NewNormalizer(nil)
	doc := eventDoc(t, map[string]any{
		"auth_type":            "SSO",
		"access_result":        "Denied",
		"timestamp":            "2026-03-06T02:30:00Z",
		"hour_of_day":          2,
		"resource_name":        "payroll",
		"resource_sensitivity": 5,
		"is_anomaly":           1,
	})
	ev, err := decodeEventJSON(n, []byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.AccessResult != "denied" || ev.ResourceSensitivity != 5 || !ev.MLAnomaly || ev.HourOfDay != 2 {
		t.Fatalf("event: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 3, 6, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("timestamp: %v", ev.Timestamp)
	}
	if _, err := decodeEventJSON(n, []byte(`{"user_id":"alice"}`)); err == nil {
		t.Fatalf("expected schema rejection")
	}
}

func TestDecodeEventJSONRejectsNullRequiredField(t *testing.T) {
	// null passes neither the schema nor the normalizer, which drops null keys
	doc := eventDoc(t, map[string]any{"is_vpn": nil})
	if _, err := decodeEventJSON(normalize.NewNormalizer(nil), []byte(doc)); err == nil {
		t.Fatalf("expected null is_vpn to be rejected")
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaConsumerCommitsAfterEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: []byte(eventDoc(t, map[string]any{"user_id": "alice"}))},
		{Offset: 2, Value: []byte(`{"user_id":"bob"}`)},
		{Offset: 3, Value: []byte(eventDoc(t, map[string]any{"user_id": "carol"}))},
	}}
	out := make(chan model.NormalizedEvent, 4)
	c := &kafkaConsumer{reader: reader, normalizer: normalize.NewNormalizer(nil), out: out}
	c.run(ctx)

	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if (<-out).UserID != "alice" || (<-out).UserID != "carol" {
		t.Fatalf("events out of order")
	}
	if len(reader.committed) != 3 {
		t.Fatalf("rejected messages should be committed too: %v", reader.committed)
	}
}

func TestKafkaConsumerStopsWhenChannelBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 7, Value: []byte(eventDoc(t, nil))},
	}}
	c := &kafkaConsumer{reader: reader, normalizer: normalize.NewNormalizer(nil), out: make(chan model.NormalizedEvent)}
	cancel()
	c.run(ctx)
	if len(reader.committed) != 0 {
		t.Fatalf("undelivered message must not be committed: %v", reader.committed)
	}
}
