package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities so that a higher tier always has a higher rank.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func ParseSeverity(v string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(v))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityNone
	}
}

type Trend string

const (
	TrendStable     Trend = "STABLE"
	TrendEscalating Trend = "ESCALATING"
	TrendDecreasing Trend = "DECREASING"
)

type AttackType string

const (
	AttackCredentialBruteForce AttackType = "CREDENTIAL_BRUTE_FORCE"
	AttackPrivilegeAbuse       AttackType = "PRIVILEGE_ABUSE_OR_INSIDER_THREAT"
	AttackActiveTakeover       AttackType = "ACCOUNT_UNDER_ACTIVE_TAKEOVER"
	AttackSuspiciousRemote     AttackType = "SUSPICIOUS_REMOTE_ACCESS"
	AttackAnomalousAccess      AttackType = "ANOMALOUS_ACCESS_PATTERN"
)

// Label is the human readable name used in narratives.
func (a AttackType) Label() string {
	switch a {
	case AttackCredentialBruteForce:
		return "Credential Brute Force / Credential Stuffing"
	case AttackPrivilegeAbuse:
		return "Privilege Abuse or Insider Threat"
	case AttackActiveTakeover:
		return "Account Under Active Takeover"
	case AttackSuspiciousRemote:
		return "Suspicious Remote Access"
	default:
		return "Anomalous Access Pattern"
	}
}

type Source string

const (
	SourceBatch       Source = "batch"
	SourceSSH         Source = "ssh"
	SourceAuditd      Source = "auditd"
	SourceMLInference Source = "ml-inference"
)

func ParseSource(v string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(v))) {
	case SourceBatch:
		return SourceBatch, true
	case SourceSSH:
		return SourceSSH, true
	case SourceAuditd:
		return SourceAuditd, true
	case SourceMLInference:
		return SourceMLInference, true
	}
	return "", false
}

// ViolationKind is the third component of an alert dedup key.
type ViolationKind string

const (
	ViolationSSHFailedLogin ViolationKind = "SSH_FAILED_LOGIN"
	ViolationSSHLogin       ViolationKind = "SSH_LOGIN"
	ViolationResource       ViolationKind = "RESOURCE"
	ViolationPermission     ViolationKind = "PERMISSION"
	ViolationMLAnomaly      ViolationKind = "ML_ANOMALY"
	ViolationAccess         ViolationKind = "ACCESS"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field value")
)

// NormalizedEvent is a validated login or access record. Build it with NewEvent
// and pass it by value; nothing downstream mutates it.
type NormalizedEvent struct {
	UserID                      string        `json:"user_id"`
	Role                        string        `json:"role"`
	Department                  string        `json:"department"`
	PrivilegeLevel              int           `json:"privilege_level"`
	AuthType                    string        `json:"auth_type"`
	LoginResult                 string        `json:"login_result"`
	FailedAttemptsBeforeSuccess int           `json:"failed_attempts_before_success"`
	Timestamp                   time.Time     `json:"timestamp"`
	HourOfDay                   int           `json:"hour_of_day"`
	DayOfWeek                   int           `json:"day_of_week"`
	Country                     string        `json:"country"`
	IsVPN                       bool          `json:"is_vpn"`
	DeviceType                  string        `json:"device_type"`
	ResourceName                string        `json:"resource_name"`
	ResourceType                string        `json:"resource_type"`
	ResourceSensitivity         int           `json:"resource_sensitivity"`
	AccessAction                string        `json:"access_action"`
	AccessResult                string        `json:"access_result"`
	MLAnomaly                   bool          `json:"is_anomaly"`
	IP                          string        `json:"ip,omitempty"`
	Violation                   ViolationKind `json:"violation,omitempty"`
	Source                      Source        `json:"source,omitempty"`
}

func NewEvent(ev NormalizedEvent) (NormalizedEvent, error) {
	required := []struct {
		name  string
		value string
	}{
		{"user_id", ev.UserID},
		{"auth_type", ev.AuthType},
		{"access_result", ev.AccessResult},
		{"resource_name", ev.ResourceName},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return NormalizedEvent{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if ev.Timestamp.IsZero() {
		return NormalizedEvent{}, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	if ev.HourOfDay < 0 || ev.HourOfDay > 23 {
		return NormalizedEvent{}, fmt.Errorf("%w: hour_of_day=%d", ErrInvalidField, ev.HourOfDay)
	}
	if ev.DayOfWeek < 0 || ev.DayOfWeek > 6 {
		return NormalizedEvent{}, fmt.Errorf("%w: day_of_week=%d", ErrInvalidField, ev.DayOfWeek)
	}
	if ev.ResourceSensitivity < 1 || ev.ResourceSensitivity > 5 {
		return NormalizedEvent{}, fmt.Errorf("%w: resource_sensitivity=%d", ErrInvalidField, ev.ResourceSensitivity)
	}
	if ev.FailedAttemptsBeforeSuccess < 0 {
		return NormalizedEvent{}, fmt.Errorf("%w: failed_attempts_before_success=%d", ErrInvalidField, ev.FailedAttemptsBeforeSuccess)
	}
	if ev.Source == "" {
		ev.Source = SourceBatch
	}
	return ev, nil
}

// ViolationKey returns the violation kind of the event, deriving one when the
// producer did not set it.
func (e NormalizedEvent) ViolationKey() ViolationKind {
	if e.Violation != "" {
		return e.Violation
	}
	if strings.EqualFold(e.AuthType, "ssh") && strings.EqualFold(e.AccessResult, "failed") {
		return ViolationSSHFailedLogin
	}
	return ViolationAccess
}

type RiskProfile struct {
	AvgLoginHour           float64  `json:"avg_login_hour" yaml:"avg_login_hour"`
	CommonCountries        []string `json:"common_countries" yaml:"common_countries"`
	CommonResources        []string `json:"common_resources" yaml:"common_resources"`
	AvgFailedAttempts      float64  `json:"avg_failed_attempts" yaml:"avg_failed_attempts"`
	AvgResourceSensitivity float64  `json:"avg_resource_sensitivity" yaml:"avg_resource_sensitivity"`
}

func (p RiskProfile) HasCountry(country string) bool {
	for _, c := range p.CommonCountries {
		if c == country {
			return true
		}
	}
	return false
}

type Alert struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	UserID       string     `json:"user_id"`
	RiskScore    int        `json:"risk_score"`
	Severity     Severity   `json:"alert_level"`
	Reasons      []string   `json:"reasons"`
	Rules        []string   `json:"rules"`
	AttackType   AttackType `json:"attack_type"`
	Narrative    string     `json:"narrative"`
	Trend        Trend      `json:"risk_trend"`
	RiskHistory  []int      `json:"risk_history"`
	ActiveAttack bool       `json:"active_attack"`
	Country      string     `json:"country"`
	Role         string     `json:"role"`
	Resource     string     `json:"resource"`
	IP           string     `json:"ip,omitempty"`
	Source       Source     `json:"source"`
	IsRealAttack bool       `json:"is_real_attack"`
	DedupKey     string     `json:"dedup_key"`
}

func (a Alert) HasRule(code string) bool {
	for _, r := range a.Rules {
		if r == code {
			return true
		}
	}
	return false
}
