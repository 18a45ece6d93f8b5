package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idguard/internal/model"
)

func testAlert() model.Alert {
	return model.Alert{
		ID:           "a-1",
		Timestamp:    time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC),
		UserID:       "alice",
		RiskScore:    85,
		Severity:     model.SeverityCritical,
		Reasons:      []string{"Real SSH brute force attempt detected", "Night-time login"},
		Source:       model.SourceSSH,
		ActiveAttack: true,
	}
}

func TestConsoleNotify(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewConsole(&buf).Notify(context.Background(), testAlert()))
	assert.Equal(t,
		"[ALERT] CRITICAL user=alice score=85 source=ssh reasons=Real SSH brute force attempt detected; Night-time login ACTIVE_ATTACK\n",
		buf.String())
}

func TestFormatLineWithoutReasons(t *testing.T) {
	a := testAlert()
	a.Reasons = nil
	a.ActiveAttack = false
	assert.Contains(t, FormatLine(a), "reasons=-")
	assert.NotContains(t, FormatLine(a), "ACTIVE_ATTACK")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherNotify(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "idguard.alerts"}
	require.NoError(t, p.Notify(context.Background(), testAlert()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "alice", string(msg.Key))

	var decoded model.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "a-1", decoded.ID)
	assert.Equal(t, model.SeverityCritical, decoded.Severity)
}

func TestKafkaPublisherWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	err := p.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t", nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "idguard.alerts", nil)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, model.Alert) error {
	c.n++
	return c.err
}

func TestMultiNotify(t *testing.T) {
	ok := &countingNotifier{}
	bad := &countingNotifier{err: errors.New("boom")}
	err := Multi{ok, nil, bad}.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, 1, ok.n)
	assert.Equal(t, 1, bad.n)
	assert.NoError(t, Multi{ok}.Notify(context.Background(), testAlert()))
}
