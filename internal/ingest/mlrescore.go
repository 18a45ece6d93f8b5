package ingest

import (
	"context"
	"log/slog"
	"time"

	"idguard/internal/config"
	"idguard/internal/engine"
	"idguard/internal/model"
)

// WindowFeatures summarises the alerts of one re-scoring window.
type WindowFeatures struct {
	FailedSSH       int `json:"failed_ssh"`
	SuccessSSH      int `json:"success_ssh"`
	UniqueIPs       int `json:"unique_ips"`
	AuditEvents     int `json:"audit_events"`
	SensitiveAccess int `json:"sensitive_access"`
	Hour            int `json:"hour"`
}

// AnomalyDetector is the boundary to an external model.
type AnomalyDetector interface {
	IsAnomalous(f WindowFeatures) bool
}

// ThresholdDetector flags a window when any count reaches its limit. Sensitive
// access only counts together with failed SSH logins.
type ThresholdDetector struct {
	FailedLoginLimit   int
	UniqueIPLimit      int
	AuditEventLimit    int
	SensitiveAccessCap int
}

func NewThresholdDetector(cfg config.MLConfig) ThresholdDetector {
	return ThresholdDetector{
		FailedLoginLimit:   cfg.FailedLoginLimit,
		UniqueIPLimit:      cfg.UniqueIPLimit,
		AuditEventLimit:    cfg.AuditEventLimit,
		SensitiveAccessCap: cfg.SensitiveAccessCap,
	}
}

func (d ThresholdDetector) IsAnomalous(f WindowFeatures) bool {
	switch {
	case d.FailedLoginLimit > 0 && f.FailedSSH >= d.FailedLoginLimit:
		return true
	case d.UniqueIPLimit > 0 && f.UniqueIPs >= d.UniqueIPLimit:
		return true
	case d.AuditEventLimit > 0 && f.AuditEvents >= d.AuditEventLimit:
		return true
	case d.SensitiveAccessCap > 0 && f.SensitiveAccess >= d.SensitiveAccessCap && f.FailedSSH > 0:
		return true
	}
	return false
}

// ExtractFeatures ignores alerts raised by the re-scorer itself.
func ExtractFeatures(alerts []model.Alert, now time.Time, sensitiveCap int) WindowFeatures {
	f := WindowFeatures{Hour: now.Hour()}
	ips := map[string]struct{}{}
	for _, a := range alerts {
		if a.Source == model.SourceMLInference {
			continue
		}
		switch a.Source {
		case model.SourceSSH:
			if a.HasRule(engine.RuleSSHFailedAuth) {
				f.FailedSSH++
			} else {
				f.SuccessSSH++
			}
		case model.SourceAuditd:
			f.AuditEvents++
		}
		if a.IP != "" {
			ips[a.IP] = struct{}{}
		}
		if a.HasRule(engine.RuleSensitiveResource) {
			f.SensitiveAccess++
		}
	}
	f.UniqueIPs = len(ips)
	if sensitiveCap > 0 && f.SensitiveAccess > sensitiveCap {
		f.SensitiveAccess = sensitiveCap
	}
	return f
}

// AlertSource is the read side of the alert store.
type AlertSource interface {
	Since(ts time.Time) []model.Alert
}

// Rescorer periodically inspects recent alerts and, when the detector flags
// the window, re-submits the most recent identity as an anomalous event.
type Rescorer struct {
	alerts   AlertSource
	detector AnomalyDetector
	cfg      config.MLConfig
	out      chan<- model.NormalizedEvent
	logger   *slog.Logger
	now      func() time.Time
	lastID   string
}

func NewRescorer(cfg config.MLConfig, alerts AlertSource, detector AnomalyDetector, out chan<- model.NormalizedEvent, logger *slog.Logger) *Rescorer {
	if detector == nil {
		detector = NewThresholdDetector(cfg)
	}
	return &Rescorer{alerts: alerts, detector: detector, cfg: cfg, out: out, logger: logger, now: time.Now}
}

// Tick runs one re-scoring pass and reports whether an event was submitted.
func (r *Rescorer) Tick(ctx context.Context) bool {
	now := r.now()
	window := r.alerts.Since(now.Add(-r.cfg.Window))
	var latest *model.Alert
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Source != model.SourceMLInference {
			latest = &window[i]
			break
		}
	}
	if latest == nil || latest.ID == r.lastID {
		return false
	}
	features := ExtractFeatures(window, now, r.cfg.SensitiveAccessCap)
	if !r.detector.IsAnomalous(features) {
		return false
	}
	r.lastID = latest.ID
	ev := rescoreEvent(*latest, now)
	if r.logger != nil {
		r.logger.Info("ml window anomalous, rescoring identity",
			"user_id", ev.UserID,
			"failed_ssh", features.FailedSSH,
			"unique_ips", features.UniqueIPs,
			"audit_events", features.AuditEvents,
			"sensitive_access", features.SensitiveAccess,
		)
	}
	return SendNonBlocking(ctx, r.out, ev, r.logger)
}

func rescoreEvent(a model.Alert, now time.Time) model.NormalizedEvent {
	role := a.Role
	if role == "" {
		role = "employee"
	}
	country := a.Country
	if country == "" {
		country = "Unknown"
	}
	resource := a.Resource
	if resource == "" {
		resource = "SSH"
	}
	return model.NormalizedEvent{
		UserID:              a.UserID,
		Role:                role,
		PrivilegeLevel:      1,
		AuthType:            "ml",
		LoginResult:         "success",
		Timestamp:           now.UTC(),
		HourOfDay:           now.Hour(),
		DayOfWeek:           (int(now.Weekday()) + 6) % 7,
		Country:             country,
		DeviceType:          "unknown",
		ResourceName:        resource,
		ResourceType:        "server",
		ResourceSensitivity: 1,
		AccessAction:        "inference",
		AccessResult:        "success",
		MLAnomaly:           true,
		IP:                  a.IP,
		Violation:           model.ViolationMLAnomaly,
		Source:              model.SourceMLInference,
	}
}

// StartMLRescorer runs the re-scoring loop every configured interval.
func StartMLRescorer(ctx context.Context, cfg *config.Manager, alerts AlertSource, detector AnomalyDetector, out chan<- model.NormalizedEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.ML
	if !current.Enabled {
		if logger != nil {
			logger.Info("ml rescoring disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("ml rescoring enabled", "interval", current.Interval, "window", current.Window)
	}
	r := NewRescorer(current, alerts, detector, out, logger)
	go func() {
		ticker := time.NewTicker(current.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}
