package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"idguard/internal/config"
	"idguard/internal/model"
)

// Record is one raw event as a flat field map, keyed by the lower-case
// NormalizedEvent JSON names.
type Record map[string]string

// RequiredColumns lists the fields a batch dataset must carry.
var RequiredColumns = []string{
	"user_id",
	"role",
	"department",
	"privilege_level",
	"auth_type",
	"login_result",
	"failed_attempts_before_success",
	"timestamp",
	"hour_of_day",
	"day_of_week",
	"country",
	"is_vpn",
	"device_type",
	"resource_name",
	"resource_type",
	"resource_sensitivity",
	"access_action",
	"access_result",
	"is_anomaly",
}

var ErrMissingColumns = errors.New("missing required columns")

var fieldAliases = map[string]string{
	"user":        "user_id",
	"username":    "user_id",
	"uid":         "user_id",
	"time":        "timestamp",
	"ts":          "timestamp",
	"ml_anomaly":  "is_anomaly",
	"anomaly":     "is_anomaly",
	"resource":    "resource_name",
	"src_ip":      "ip",
	"source_ip":   "ip",
	"client_ip":   "ip",
	"vpn":         "is_vpn",
	"sensitivity": "resource_sensitivity",
}

// CanonicalField maps a header or JSON key onto its NormalizedEvent name.
func CanonicalField(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := fieldAliases[name]; ok {
		return alias
	}
	return name
}

// ValidateColumns reports every required column absent from header.
func ValidateColumns(header []string) error {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[CanonicalField(h)] = struct{}{}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

type Normalizer struct {
	loc *time.Location
}

func NewNormalizer(cfg *config.Config) *Normalizer {
	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	return &Normalizer{loc: loc}
}

// Normalize cleans a raw record and builds a validated event. Every required
// column must be present as a key; empty values fall back to their defaults,
// except user_id, timestamp and resource_name which must be non-empty.
func (n *Normalizer) Normalize(rec Record) (model.NormalizedEvent, error) {
	get := func(key string) string { return strings.TrimSpace(rec[key]) }

	if missing := missingKeys(rec); len(missing) > 0 {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %s", model.ErrMissingField, strings.Join(missing, ", "))
	}
	for _, key := range []string{"user_id", "timestamp", "resource_name"} {
		if get(key) == "" {
			return model.NormalizedEvent{}, fmt.Errorf("%w: %s", model.ErrMissingField, key)
		}
	}
	ts, err := ParseTimestamp(get("timestamp"), n.loc)
	if err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}
	ts = ts.UTC()
	local := ts.In(n.loc)

	ev := model.NormalizedEvent{
		UserID:                      get("user_id"),
		Role:                        strings.ToLower(get("role")),
		Department:                  strings.ToLower(get("department")),
		PrivilegeLevel:              coerceInt(get("privilege_level"), 1),
		AuthType:                    strings.ToLower(get("auth_type")),
		LoginResult:                 ParseResult(get("login_result")),
		FailedAttemptsBeforeSuccess: coerceInt(get("failed_attempts_before_success"), 0),
		Timestamp:                   ts,
		HourOfDay:                   coerceInt(get("hour_of_day"), local.Hour()),
		DayOfWeek:                   coerceInt(get("day_of_week"), mondayFirst(local.Weekday())),
		Country:                     TitleCase(get("country")),
		IsVPN:                       coerceFlag(get("is_vpn")),
		DeviceType:                  strings.ToLower(get("device_type")),
		ResourceName:                get("resource_name"),
		ResourceType:                strings.ToLower(get("resource_type")),
		ResourceSensitivity:         coerceInt(get("resource_sensitivity"), 1),
		AccessAction:                strings.ToLower(get("access_action")),
		AccessResult:                ParseResult(get("access_result")),
		MLAnomaly:                   coerceFlag(get("is_anomaly")),
		IP:                          get("ip"),
		Violation:                   model.ViolationKind(strings.ToUpper(get("violation"))),
	}
	if src, ok := model.ParseSource(get("source")); ok {
		ev.Source = src
	}
	return model.NewEvent(ev)
}

func missingKeys(rec Record) []string {
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := rec[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// ParseResult folds common outcome spellings onto success, failed and denied.
func ParseResult(result string) string {
	n := strings.ToLower(strings.TrimSpace(result))
	switch n {
	case "ok", "success", "succeeded", "allow", "allowed", "granted", "pass", "accepted":
		return "success"
	case "fail", "failed", "failure", "reject", "rejected", "timeout", "error", "invalid":
		return "failed"
	case "deny", "denied", "blocked", "forbidden":
		return "denied"
	}
	return n
}

// TitleCase upper-cases the first letter of every word and lower-cases the
// rest, where a word starts after any non-letter.
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}

func coerceInt(v string, def int) int {
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return def
}

// coerceFlag is true only for 1 and its boolean spellings.
func coerceFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "1.0", "true", "yes":
		return true
	}
	return false
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
