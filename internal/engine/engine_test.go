package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"idguard/internal/config"
	"idguard/internal/metrics"
	"idguard/internal/model"
)

type memorySink struct {
	mu     sync.Mutex
	alerts []model.Alert
	err    error
}

func (s *memorySink) Append(_ context.Context, alert model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type staticProfiles map[string]model.RiskProfile

func (p staticProfiles) Get(id string) (model.RiskProfile, bool) {
	prof, ok := p[id]
	return prof, ok
}

type failingCooldown struct{}

func (failingCooldown) CheckAndSet(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingCooldown) Reset(context.Context) error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.AlertCooldown = 30 * time.Second
	cfg.Detection.ReplayWindow = 0
	return cfg
}

func baseEvent() model.NormalizedEvent {
	return model.NormalizedEvent{
		UserID:              "alice",
		Role:                "employee",
		Department:          "it",
		PrivilegeLevel:      1,
		AuthType:            "password",
		LoginResult:         "success",
		Timestamp:           time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
		HourOfDay:           12,
		DayOfWeek:           1,
		Country:             "India",
		DeviceType:          "laptop",
		ResourceName:        "wiki",
		ResourceType:        "web",
		ResourceSensitivity: 1,
		AccessAction:        "read",
		AccessResult:        "success",
	}
}

func sshFailure() model.NormalizedEvent {
	ev := baseEvent()
	ev.AuthType = "ssh"
	ev.AccessResult = "failed"
	ev.LoginResult = "failed"
	return ev
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  model.Severity
	}{
		{0, model.SeverityNone},
		{9, model.SeverityNone},
		{10, model.SeverityLow},
		{19, model.SeverityLow},
		{20, model.SeverityMedium},
		{39, model.SeverityMedium},
		{40, model.SeverityHigh},
		{69, model.SeverityHigh},
		{70, model.SeverityCritical},
		{100, model.SeverityCritical},
	}
	for _, tc := range cases {
		if got := Classify(tc.score); got != tc.want {
			t.Fatalf("Classify(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	prev := Classify(0).Rank()
	for s := 1; s <= MaxRiskScore; s++ {
		rank := Classify(s).Rank()
		if rank < prev {
			t.Fatalf("tier rank decreased at score %d", s)
		}
		prev = rank
	}
}

func TestScenarioSSHFailureIsCritical(t *testing.T) {
	a := NewScorer(VariantFull).Score(sshFailure(), nil)
	if a.Score != 80 {
		t.Fatalf("expected score 80, got %d", a.Score)
	}
	if Classify(a.Score) != model.SeverityCritical {
		t.Fatalf("expected CRITICAL")
	}
	if len(a.Reasons) != 1 || a.Reasons[0] != ReasonSSHBruteForce {
		t.Fatalf("unexpected reasons %v", a.Reasons)
	}
}

func TestScenarioNightLoginIsLow(t *testing.T) {
	ev := baseEvent()
	ev.HourOfDay = 2
	a := NewScorer(VariantFull).Score(ev, nil)
	if a.Score != 10 || Classify(a.Score) != model.SeverityLow {
		t.Fatalf("expected 10/LOW, got %d/%s", a.Score, Classify(a.Score))
	}
}

func TestScenarioAnomalySensitiveVPNIsHigh(t *testing.T) {
	ev := baseEvent()
	ev.MLAnomaly = true
	ev.ResourceSensitivity = 5
	ev.IsVPN = true
	a := NewScorer(VariantFull).Score(ev, nil)
	if a.Score != 65 || Classify(a.Score) != model.SeverityHigh {
		t.Fatalf("expected 65/HIGH, got %d/%s", a.Score, Classify(a.Score))
	}
	want := []string{RuleMLAnomaly, RuleSensitiveResource, RuleVPNLogin}
	if strings.Join(a.Rules, ",") != strings.Join(want, ",") {
		t.Fatalf("rules out of order: %v", a.Rules)
	}
}

func TestScoreClampedAndProfileRules(t *testing.T) {
	ev := sshFailure()
	ev.MLAnomaly = true
	ev.HourOfDay = 1
	ev.Country = "Brazil"
	ev.ResourceSensitivity = 5
	ev.IsVPN = true
	ev.FailedAttemptsBeforeSuccess = 4
	prof := model.RiskProfile{AvgLoginHour: 14, CommonCountries: []string{"India"}}
	a := NewScorer(VariantFull).Score(ev, &prof)
	if a.Score != MaxRiskScore {
		t.Fatalf("expected clamp to %d, got %d", MaxRiskScore, a.Score)
	}
	if len(a.Rules) != 8 {
		t.Fatalf("expected all 8 rules, got %v", a.Rules)
	}
}

func TestMissingProfileSkipsProfileRules(t *testing.T) {
	ev := baseEvent()
	ev.Country = "Brazil"
	ev.HourOfDay = 23
	a := NewScorer(VariantFull).ScoreWith(ev, staticProfiles{})
	if a.Score != 0 {
		t.Fatalf("expected 0 without profile, got %d (%v)", a.Score, a.Rules)
	}
	withProfile := NewScorer(VariantFull).ScoreWith(ev, staticProfiles{
		"alice": {AvgLoginHour: 10, CommonCountries: []string{"India"}},
	})
	if withProfile.Score != 25 {
		t.Fatalf("expected new_country+hour deviation = 25, got %d", withProfile.Score)
	}
}

func TestProfileVariantSharesPoints(t *testing.T) {
	ev := sshFailure()
	ev.HourOfDay = 2
	ev.IsVPN = true
	full := NewScorer(VariantFull).Score(ev, nil)
	prof := NewScorer(VariantProfile).Score(ev, nil)
	if full.Score != 100 {
		t.Fatalf("full variant expected 100, got %d", full.Score)
	}
	if prof.Score != RulePoints(RuleVPNLogin) {
		t.Fatalf("profile variant expected only vpn points, got %d (%v)", prof.Score, prof.Rules)
	}
}

func TestTrendNeedsThreeSamples(t *testing.T) {
	tr := NewTracker(10)
	tr.Update("bob", 10)
	tr.Update("bob", 50)
	if trend, hist := tr.Trend("bob"); trend != model.TrendStable || len(hist) != 2 {
		t.Fatalf("expected STABLE with 2 samples, got %s %v", trend, hist)
	}
	if trend, _ := tr.Trend("nobody"); trend != model.TrendStable {
		t.Fatalf("expected STABLE for unknown identity")
	}
	tr.Update("bob", 90)
	if trend, _ := tr.Trend("bob"); trend != model.TrendEscalating {
		t.Fatalf("expected ESCALATING, got %s", trend)
	}
	tr.Update("bob", 40)
	if trend, _ := tr.Trend("bob"); trend != model.TrendDecreasing {
		t.Fatalf("expected DECREASING, got %s", trend)
	}
	tr.Update("bob", 40)
	if trend, _ := tr.Trend("bob"); trend != model.TrendStable {
		t.Fatalf("expected STABLE on flat tail, got %s", trend)
	}
}

func TestActiveAttackBoundaries(t *testing.T) {
	cases := []struct {
		name   string
		scores []int
		want   bool
	}{
		{"three of five at 70", []int{70, 70, 70, 0, 0}, true},
		{"two of five", []int{70, 70, 0, 0, 0}, false},
		{"four samples", []int{90, 90, 90, 90}, false},
		{"69 is not critical", []int{69, 69, 69, 69, 69}, false},
		{"scenario D", []int{72, 75, 71, 80, 90}, true},
	}
	for _, tc := range cases {
		tr := NewTracker(10)
		for _, s := range tc.scores {
			tr.Update("u", s)
		}
		if got := tr.IsActiveAttack("u"); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestSustainedCriticalSequence(t *testing.T) {
	tr := NewTracker(10)
	var obs Observation
	for _, s := range []int{72, 75, 71, 80, 90} {
		obs = tr.Observe("carol", s)
	}
	if !obs.ActiveAttack || obs.Trend != model.TrendEscalating {
		t.Fatalf("expected active ESCALATING, got %+v", obs)
	}
	if !tr.IsActiveAttack("carol") {
		t.Fatalf("expected IsActiveAttack")
	}
}

func TestHistoryCapacity(t *testing.T) {
	tr := NewTracker(4)
	for i := 0; i < 25; i++ {
		tr.Update("u", i)
	}
	_, hist := tr.Trend("u")
	if len(hist) != 4 {
		t.Fatalf("expected capacity 4, got %d", len(hist))
	}
	if hist[0] != 21 || hist[3] != 24 {
		t.Fatalf("expected oldest evicted first, got %v", hist)
	}
}

func TestBatchScenarioD(t *testing.T) {
	eng := NewEngine(testConfig(), nil, Options{})
	scores := []struct {
		mutate func(*model.NormalizedEvent)
	}{
		{func(ev *model.NormalizedEvent) { ev.AuthType, ev.AccessResult = "ssh", "failed" }},
		{func(ev *model.NormalizedEvent) {
			ev.AuthType, ev.AccessResult, ev.IsVPN = "ssh", "failed", true
		}},
		{func(ev *model.NormalizedEvent) { ev.AuthType, ev.AccessResult = "ssh", "failed" }},
		{func(ev *model.NormalizedEvent) {
			ev.AuthType, ev.AccessResult, ev.HourOfDay = "ssh", "failed", 3
		}},
		{func(ev *model.NormalizedEvent) {
			ev.AuthType, ev.AccessResult, ev.ResourceSensitivity = "ssh", "failed", 4
		}},
	}
	var events []model.NormalizedEvent
	for _, s := range scores {
		ev := baseEvent()
		s.mutate(&ev)
		events = append(events, ev)
	}
	alerts, err := eng.RunBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(alerts) != 5 {
		t.Fatalf("expected 5 alerts, got %d", len(alerts))
	}
	last := alerts[4]
	if !last.ActiveAttack {
		t.Fatalf("expected active attack, history %v", last.RiskHistory)
	}
	if last.Trend != model.TrendEscalating {
		t.Fatalf("expected ESCALATING, got %s (%v)", last.Trend, last.RiskHistory)
	}
	if last.AttackType != model.AttackCredentialBruteForce {
		t.Fatalf("expected brute force classification, got %s", last.AttackType)
	}
	if !strings.Contains(last.Narrative, activeCompromiseWarning) {
		t.Fatalf("expected active compromise warning in narrative")
	}
}

func TestBatchSkipsNoneAndInvalid(t *testing.T) {
	eng := NewEngine(testConfig(), nil, Options{})
	invalid := baseEvent()
	invalid.UserID = ""
	night := baseEvent()
	night.HourOfDay = 2
	alerts, err := eng.RunBatch(context.Background(), []model.NormalizedEvent{baseEvent(), invalid, night})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != model.SeverityLow {
		t.Fatalf("expected one LOW alert, got %+v", alerts)
	}
	if alerts[0].Source != model.SourceBatch {
		t.Fatalf("expected batch source, got %s", alerts[0].Source)
	}
}

func TestBatchHasNoCooldown(t *testing.T) {
	eng := NewEngine(testConfig(), nil, Options{})
	events := []model.NormalizedEvent{sshFailure(), sshFailure(), sshFailure()}
	alerts, err := eng.RunBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected every event reported in batch mode, got %d", len(alerts))
	}
}

func TestDeduplicatorWindow(t *testing.T) {
	d := NewDeduplicator(NewMemoryCooldown(), 30*time.Second, nil)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)
	key := DedupKey("alice", "/secure_data/a", model.ViolationResource)
	if !d.ShouldEmit(ctx, key, t0) {
		t.Fatalf("first event should emit")
	}
	if d.ShouldEmit(ctx, key, t0.Add(15*time.Second)) {
		t.Fatalf("event at t=15 should be suppressed")
	}
	if !d.ShouldEmit(ctx, key, t0.Add(35*time.Second)) {
		t.Fatalf("event at t=35 should emit again")
	}
	other := DedupKey("alice", "/secure_data/a", model.ViolationPermission)
	if !d.ShouldEmit(ctx, other, t0.Add(36*time.Second)) {
		t.Fatalf("different violation kind should not share cooldown")
	}
}

func TestDeduplicatorConcurrentSingleWinner(t *testing.T) {
	d := NewDeduplicator(NewMemoryCooldown(), time.Minute, nil)
	now := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	emitted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldEmit(context.Background(), "k", now) {
				mu.Lock()
				emitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if emitted != 1 {
		t.Fatalf("expected exactly one emission, got %d", emitted)
	}
}

func TestDeduplicatorFailsOpen(t *testing.T) {
	d := NewDeduplicator(failingCooldown{}, time.Minute, nil)
	if !d.ShouldEmit(context.Background(), "k", time.Now()) {
		t.Fatalf("expected fail-open emission")
	}
}

func TestProcessEventCooldown(t *testing.T) {
	sink := &memorySink{}
	identities := metrics.NewStore(100)
	collectors := metrics.NewCollectors(identities)
	eng := NewEngine(testConfig(), nil, Options{Alerts: sink, Identities: identities, Collectors: collectors})
	now := time.Unix(1700000000, 0)
	eng.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, ok := eng.ProcessEvent(ctx, sshFailure()); !ok {
		t.Fatalf("expected first alert")
	}
	now = now.Add(15 * time.Second)
	if _, ok := eng.ProcessEvent(ctx, sshFailure()); ok {
		t.Fatalf("expected suppression inside cooldown")
	}
	now = now.Add(20 * time.Second)
	alert, ok := eng.ProcessEvent(ctx, sshFailure())
	if !ok {
		t.Fatalf("expected alert after cooldown")
	}
	if sink.Len() != 2 {
		t.Fatalf("expected 2 stored alerts, got %d", sink.Len())
	}
	if len(alert.RiskHistory) != 3 {
		t.Fatalf("suppressed events still update history, got %v", alert.RiskHistory)
	}
	snap, ok := identities.Get("alice")
	if !ok || snap.Events != 3 || snap.Alerts != 3 {
		t.Fatalf("unexpected identity snapshot %+v", snap)
	}
}

func TestProcessEventDropsInvalid(t *testing.T) {
	sink := &memorySink{}
	eng := NewEngine(testConfig(), nil, Options{Alerts: sink})
	ev := sshFailure()
	ev.ResourceSensitivity = 9
	if _, ok := eng.ProcessEvent(context.Background(), ev); ok {
		t.Fatalf("expected invalid event to be dropped")
	}
	if eng.Tracker().Len() != 0 {
		t.Fatalf("dropped event must not reach the tracker")
	}
}

func TestProcessEventNoneTierNotStored(t *testing.T) {
	sink := &memorySink{}
	eng := NewEngine(testConfig(), nil, Options{Alerts: sink})
	if _, ok := eng.ProcessEvent(context.Background(), baseEvent()); ok {
		t.Fatalf("NONE tier must not emit")
	}
	if sink.Len() != 0 {
		t.Fatalf("NONE tier must not be stored")
	}
	if eng.Tracker().Len() != 1 {
		t.Fatalf("NONE tier still updates the tracker")
	}
}

func TestProcessEventReplayWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AlertCooldown = 0
	cfg.Detection.ReplayWindow = time.Minute
	sink := &memorySink{}
	eng := NewEngine(cfg, nil, Options{Alerts: sink})
	ev := sshFailure()
	eng.ProcessEvent(context.Background(), ev)
	eng.ProcessEvent(context.Background(), ev)
	if sink.Len() != 1 {
		t.Fatalf("expected replayed event dropped, got %d alerts", sink.Len())
	}
	ev.Timestamp = ev.Timestamp.Add(time.Second)
	eng.ProcessEvent(context.Background(), ev)
	if sink.Len() != 2 {
		t.Fatalf("expected distinct event accepted, got %d alerts", sink.Len())
	}
}

func TestStartDrainsOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AlertCooldown = 0
	sink := &memorySink{}
	eng := NewEngine(cfg, nil, Options{Alerts: sink})
	in := make(chan model.NormalizedEvent, 16)
	for i := 0; i < 10; i++ {
		ev := sshFailure()
		ev.Timestamp = ev.Timestamp.Add(time.Duration(i) * time.Second)
		in <- ev
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx, in)
	cancel()
	eng.Wait()
	if sink.Len() != 10 {
		t.Fatalf("expected buffered events drained, got %d", sink.Len())
	}
}

func TestStartReturnsWhenInputClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AlertCooldown = 0
	sink := &memorySink{}
	collectors := metrics.NewCollectors(metrics.NewStore(10))
	eng := NewEngine(cfg, nil, Options{Alerts: sink, Collectors: collectors})
	in := make(chan model.NormalizedEvent, 4)
	for i := 0; i < 3; i++ {
		ev := sshFailure()
		ev.Timestamp = ev.Timestamp.Add(time.Duration(i) * time.Second)
		in <- ev
	}
	close(in)
	eng.Start(context.Background(), in)

	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine kept running after its input closed")
	}
	if sink.Len() != 3 {
		t.Fatalf("expected 3 alerts before close, got %d", sink.Len())
	}
	rec := httptest.NewRecorder()
	collectors.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rec.Body.String(), "idguard_events_dropped_total{") {
		t.Fatalf("closed channel produced drops:\n%s", rec.Body.String())
	}
}

func TestResetClearsState(t *testing.T) {
	sink := &memorySink{}
	eng := NewEngine(testConfig(), nil, Options{Alerts: sink})
	ctx := context.Background()
	eng.ProcessEvent(ctx, sshFailure())
	eng.Reset()
	if eng.Tracker().Len() != 0 {
		t.Fatalf("expected tracker reset")
	}
	if _, ok := eng.ProcessEvent(ctx, sshFailure()); !ok {
		t.Fatalf("expected cooldown reset")
	}
}

func TestStoreErrorDoesNotEmit(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	eng := NewEngine(testConfig(), nil, Options{Alerts: sink})
	if _, ok := eng.ProcessEvent(context.Background(), sshFailure()); ok {
		t.Fatalf("expected store failure to be reported as not emitted")
	}
}

func TestAlertFields(t *testing.T) {
	eng := NewEngine(testConfig(), nil, Options{})
	ev := sshFailure()
	ev.IP = "10.0.0.9"
	ev.Source = model.SourceSSH
	res := eng.Evaluate(NewTracker(10), ev)
	if !res.Reportable() {
		t.Fatalf("expected reportable")
	}
	a := res.Alert
	if a.ID == "" || !a.IsRealAttack || a.IP != "10.0.0.9" || a.Source != model.SourceSSH {
		t.Fatalf("unexpected alert %+v", a)
	}
	if a.DedupKey != "SSH_FAILED_LOGIN:alice:wiki" {
		t.Fatalf("unexpected dedup key %q", a.DedupKey)
	}
}
