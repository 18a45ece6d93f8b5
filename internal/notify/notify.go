package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"idguard/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// Console writes one line per alert.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Notify(_ context.Context, alert model.Alert) error {
	line := FormatLine(alert)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, line+"\n")
	return err
}

// FormatLine renders the alert as
// "[ALERT] <level> user=<id> score=<n> source=<src> reasons=<r1; r2>".
func FormatLine(alert model.Alert) string {
	reasons := "-"
	if len(alert.Reasons) > 0 {
		reasons = strings.Join(alert.Reasons, "; ")
	}
	line := fmt.Sprintf("[ALERT] %s user=%s score=%d source=%s reasons=%s",
		alert.Severity, alert.UserID, alert.RiskScore, alert.Source, reasons)
	if alert.ActiveAttack {
		line += " ACTIVE_ATTACK"
	}
	return line
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
