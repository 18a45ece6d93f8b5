package engine

import (
	"math"
	"strings"

	"idguard/internal/model"
)

const MaxRiskScore = 100

// Rule codes, in evaluation order.
const (
	RuleSSHFailedAuth     = "ssh_failed_auth"
	RuleMLAnomaly         = "ml_anomaly"
	RuleNewCountry        = "new_country"
	RuleLoginHourDrift    = "login_hour_deviation"
	RuleNightLogin        = "night_login"
	RuleSensitiveResource = "sensitive_resource"
	RuleVPNLogin          = "vpn_login"
	RuleFailedAttempts    = "failed_attempts"
)

const ReasonSSHBruteForce = "Real SSH brute force attempt detected"

// ProfileLookup is the read-only view of historical identity baselines.
type ProfileLookup interface {
	Get(userID string) (model.RiskProfile, bool)
}

// Variant selects which rule subset a Scorer evaluates.
type Variant int

const (
	// VariantFull evaluates every rule.
	VariantFull Variant = iota
	// VariantProfile skips the rules that are not driven by the event or profile
	// baselines (ssh failure, night hour).
	VariantProfile
)

type rule struct {
	code        string
	points      int
	profileOnly bool
	inProfile   bool
	eval        func(ev model.NormalizedEvent, p *model.RiskProfile) (string, bool)
}

var rules = []rule{
	{
		code:   RuleSSHFailedAuth,
		points: 80,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			ok := strings.EqualFold(ev.AuthType, "ssh") && strings.EqualFold(ev.AccessResult, "failed")
			return ReasonSSHBruteForce, ok
		},
	},
	{
		code:      RuleMLAnomaly,
		points:    40,
		inProfile: true,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			return "ML model detected anomalous behavior", ev.MLAnomaly
		},
	},
	{
		code:        RuleNewCountry,
		points:      15,
		profileOnly: true,
		inProfile:   true,
		eval: func(ev model.NormalizedEvent, p *model.RiskProfile) (string, bool) {
			return "New country for user: " + ev.Country, !p.HasCountry(ev.Country)
		},
	},
	{
		code:        RuleLoginHourDrift,
		points:      10,
		profileOnly: true,
		inProfile:   true,
		eval: func(ev model.NormalizedEvent, p *model.RiskProfile) (string, bool) {
			return "Login time deviates from user's normal pattern", math.Abs(float64(ev.HourOfDay)-p.AvgLoginHour) > 6
		},
	},
	{
		// Overlaps with login_hour_deviation for night logins; both are kept as
		// independent signals.
		code:   RuleNightLogin,
		points: 10,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			return "Login during night hours (before 05:00)", ev.HourOfDay < 5
		},
	},
	{
		code:      RuleSensitiveResource,
		points:    15,
		inProfile: true,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			return "Access to highly sensitive resource", ev.ResourceSensitivity >= 4
		},
	},
	{
		code:      RuleVPNLogin,
		points:    10,
		inProfile: true,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			return "Login via VPN", ev.IsVPN
		},
	},
	{
		code:      RuleFailedAttempts,
		points:    10,
		inProfile: true,
		eval: func(ev model.NormalizedEvent, _ *model.RiskProfile) (string, bool) {
			return "Multiple failed login attempts before success", ev.FailedAttemptsBeforeSuccess >= 3
		},
	},
}

// Assessment is the scorer output for one event.
type Assessment struct {
	Score   int
	Rules   []string
	Reasons []string
}

type Scorer struct {
	variant Variant
}

func NewScorer(variant Variant) *Scorer {
	return &Scorer{variant: variant}
}

// Score evaluates every applicable rule; contributions are additive and the
// total is clamped to [0, MaxRiskScore]. A nil profile skips profile rules.
func (s *Scorer) Score(ev model.NormalizedEvent, profile *model.RiskProfile) Assessment {
	var out Assessment
	for _, r := range rules {
		if s.variant == VariantProfile && !r.inProfile {
			continue
		}
		if r.profileOnly && profile == nil {
			continue
		}
		reason, ok := r.eval(ev, profile)
		if !ok {
			continue
		}
		out.Score += r.points
		out.Rules = append(out.Rules, r.code)
		out.Reasons = append(out.Reasons, reason)
	}
	out.Score = clampScore(out.Score)
	return out
}

// ScoreWith resolves the profile through lookup before scoring.
func (s *Scorer) ScoreWith(ev model.NormalizedEvent, lookup ProfileLookup) Assessment {
	if lookup == nil {
		return s.Score(ev, nil)
	}
	if p, ok := lookup.Get(ev.UserID); ok {
		return s.Score(ev, &p)
	}
	return s.Score(ev, nil)
}

// RulePoints reports the contribution of a rule code, or 0 when unknown.
func RulePoints(code string) int {
	for _, r := range rules {
		if r.code == code {
			return r.points
		}
	}
	return 0
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxRiskScore {
		return MaxRiskScore
	}
	return v
}

// Classify maps a risk score to its severity tier.
func Classify(score int) model.Severity {
	switch {
	case score >= 70:
		return model.SeverityCritical
	case score >= 40:
		return model.SeverityHigh
	case score >= 20:
		return model.SeverityMedium
	case score >= 10:
		return model.SeverityLow
	default:
		return model.SeverityNone
	}
}
