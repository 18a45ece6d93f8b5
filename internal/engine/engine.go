package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"idguard/internal/config"
	"idguard/internal/metrics"
	"idguard/internal/model"
)

// AlertSink receives alerts that survived deduplication.
type AlertSink interface {
	Append(ctx context.Context, alert model.Alert) error
}

type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

type Options struct {
	Profiles   ProfileLookup
	Alerts     AlertSink
	Cooldown   CooldownStore
	Notifier   Notifier
	Identities *metrics.Store
	Collectors *metrics.Collectors
}

// Evaluation is the output of the shared per-event pipeline.
type Evaluation struct {
	Assessment  Assessment
	Severity    model.Severity
	Observation Observation
	Alert       model.Alert
}

func (ev Evaluation) Reportable() bool {
	return ev.Severity != model.SeverityNone
}

type Engine struct {
	logger   *slog.Logger
	opts     Options
	scorer   *Scorer
	cfg      atomic.Value
	tracker  *Tracker
	cooldown CooldownStore
	dedup    atomic.Pointer[Deduplicator]
	replay   *ReplayCache
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Cooldown == nil {
		opts.Cooldown = NewMemoryCooldown()
	}
	e := &Engine{
		logger:   logger,
		opts:     opts,
		scorer:   NewScorer(VariantFull),
		tracker:  NewTracker(cfg.Detection.HistoryWindow),
		cooldown: opts.Cooldown,
		replay:   NewReplayCache(),
		now:      time.Now,
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.dedup.Store(NewDeduplicator(e.cooldown, cfg.Detection.AlertCooldown, e.logger))
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// SetClock replaces the wall clock used for cooldown decisions.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Evaluate runs scorer, classifier, tracker and narrative for one event
// against the given tracker. Tracker state is updated for every event,
// including events that do not reach an alert tier.
func (e *Engine) Evaluate(tracker *Tracker, ev model.NormalizedEvent) Evaluation {
	assessment := e.scorer.ScoreWith(ev, e.opts.Profiles)
	severity := Classify(assessment.Score)
	obs := tracker.Observe(ev.UserID, assessment.Score)
	out := Evaluation{Assessment: assessment, Severity: severity, Observation: obs}
	if severity == model.SeverityNone {
		return out
	}
	alert := model.Alert{
		ID:           uuid.NewString(),
		Timestamp:    ev.Timestamp.UTC(),
		UserID:       ev.UserID,
		RiskScore:    assessment.Score,
		Severity:     severity,
		Reasons:      assessment.Reasons,
		Rules:        assessment.Rules,
		Trend:        obs.Trend,
		RiskHistory:  obs.History,
		ActiveAttack: obs.ActiveAttack,
		Country:      ev.Country,
		Role:         ev.Role,
		Resource:     ev.ResourceName,
		IP:           ev.IP,
		Source:       ev.Source,
		DedupKey:     DedupKey(ev.UserID, ev.ResourceName, ev.ViolationKey()),
	}
	alert.IsRealAttack = alert.HasRule(RuleSSHFailedAuth)
	alert.AttackType = ClassifyAttack(alert)
	alert.Narrative = BuildNarrative(alert)
	out.Alert = alert
	return out
}

// RunBatch scores events in input order with a fresh tracker and returns every
// reportable alert. No cooldown is applied and nothing is persisted.
func (e *Engine) RunBatch(ctx context.Context, events []model.NormalizedEvent) ([]model.Alert, error) {
	tracker := NewTracker(e.config().Detection.HistoryWindow)
	out := make([]model.Alert, 0)
	for i, raw := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		raw.Source = model.SourceBatch
		ev, err := model.NewEvent(raw)
		if err != nil {
			e.drop("invalid_event", err, "index", i)
			continue
		}
		res := e.Evaluate(tracker, ev)
		if res.Reportable() {
			out = append(out, res.Alert)
		}
	}
	if e.logger != nil {
		e.logger.Info("batch detection finished", "events", len(events), "alerts", len(out), "identities", tracker.Len())
	}
	return out, nil
}

func (e *Engine) Start(ctx context.Context, in <-chan model.NormalizedEvent) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				e.ProcessEvent(ctx, ev)
			case <-ctx.Done():
				e.drain(in)
				return
			}
		}
	}()
}

// Wait blocks until the Start loop has drained its input and returned. The
// loop also returns once in is closed.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) drain(in <-chan model.NormalizedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n := 0
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			e.ProcessEvent(ctx, ev)
			n++
		default:
			if n > 0 && e.logger != nil {
				e.logger.Info("drained buffered events on shutdown", "events", n)
			}
			return
		}
	}
}

// ProcessEvent runs one live event through the pipeline, then cooldown,
// then the alert store. It reports the stored alert, if any.
func (e *Engine) ProcessEvent(ctx context.Context, raw model.NormalizedEvent) (model.Alert, bool) {
	ev, err := model.NewEvent(raw)
	if err != nil {
		e.drop("invalid_event", err, "user_id", raw.UserID, "source", raw.Source)
		return model.Alert{}, false
	}
	cfg := e.config()
	if window := cfg.Detection.ReplayWindow; window > 0 {
		if e.replay.Seen(eventKey(ev), e.now(), window) {
			e.drop("replay", nil, "user_id", ev.UserID, "source", ev.Source)
			return model.Alert{}, false
		}
	}

	res := e.Evaluate(e.tracker, ev)
	e.observe(ev, res)
	if !res.Reportable() {
		return model.Alert{}, false
	}

	alert := res.Alert
	if !e.dedup.Load().ShouldEmit(ctx, alert.DedupKey, e.now()) {
		if c := e.opts.Collectors; c != nil {
			c.AlertsSuppressed.WithLabelValues(string(alert.Source)).Inc()
		}
		if e.logger != nil {
			e.logger.Debug("alert suppressed by cooldown", "dedup_key", alert.DedupKey, "source", alert.Source)
		}
		return model.Alert{}, false
	}

	if e.opts.Alerts != nil {
		if err := e.opts.Alerts.Append(ctx, alert); err != nil {
			e.drop("store_error", err, "user_id", alert.UserID, "alert_id", alert.ID)
			return model.Alert{}, false
		}
	}
	if c := e.opts.Collectors; c != nil {
		c.AlertsEmitted.WithLabelValues(string(alert.Source), string(alert.Severity)).Inc()
	}
	if e.logger != nil {
		e.logger.Warn("alert emitted",
			"user_id", alert.UserID,
			"alert_level", alert.Severity,
			"risk_score", alert.RiskScore,
			"attack_type", alert.AttackType,
			"risk_trend", alert.Trend,
			"active_attack", alert.ActiveAttack,
			"source", alert.Source,
		)
	}
	if e.opts.Notifier != nil {
		if err := e.opts.Notifier.Notify(ctx, alert); err != nil && e.logger != nil {
			e.logger.Warn("alert notification failed", "alert_id", alert.ID, "err", err)
		}
	}
	return alert, true
}

func (e *Engine) Reset() {
	e.tracker.Reset()
	e.replay.Reset()
	if err := e.dedup.Load().Reset(context.Background()); err != nil && e.logger != nil {
		e.logger.Warn("cooldown reset failed", "err", err)
	}
	if e.opts.Identities != nil {
		e.opts.Identities.Clear()
	}
}

func (e *Engine) observe(ev model.NormalizedEvent, res Evaluation) {
	if c := e.opts.Collectors; c != nil {
		c.EventsProcessed.WithLabelValues(string(ev.Source)).Inc()
		c.RiskScore.WithLabelValues(string(ev.Source)).Observe(float64(res.Assessment.Score))
	}
	if e.opts.Identities != nil {
		e.opts.Identities.Update(metrics.IdentitySnapshot{
			UserID:       ev.UserID,
			LastScore:    res.Assessment.Score,
			Severity:     res.Severity,
			Trend:        res.Observation.Trend,
			History:      res.Observation.History,
			ActiveAttack: res.Observation.ActiveAttack,
			LastSource:   ev.Source,
			UpdatedAt:    e.now().UTC(),
		}, res.Reportable())
	}
}

func (e *Engine) drop(reason string, err error, attrs ...any) {
	if c := e.opts.Collectors; c != nil {
		c.EventsDropped.WithLabelValues(reason).Inc()
	}
	if e.logger == nil {
		return
	}
	args := append([]any{"reason", reason}, attrs...)
	if err != nil {
		args = append(args, "err", err)
	}
	e.logger.Warn("event dropped", args...)
}
