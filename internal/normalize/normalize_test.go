package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"idguard/internal/config"
	"idguard/internal/model"
)

func fullRecord() Record {
	return Record{
		"user_id":                        "u042",
		"role":                           "Admin",
		"department":                     "FINANCE",
		"privilege_level":                "3",
		"auth_type":                      "password",
		"login_result":                   "Success",
		"failed_attempts_before_success": "2.0",
		"timestamp":                      "2024-03-06 02:15:00",
		"hour_of_day":                    "2",
		"day_of_week":                    "2",
		"country":                        "united states",
		"is_vpn":                         "1",
		"device_type":                    "Laptop",
		"resource_name":                  "payroll_db",
		"resource_type":                  "Database",
		"resource_sensitivity":           "5",
		"access_action":                  "READ",
		"access_result":                  "allowed",
		"is_anomaly":                     "0",
	}
}

func TestNormalizeCleansCategoricals(t *testing.T) {
	n := NewNormalizer(config.DefaultConfig())
	ev, err := n.Normalize(fullRecord())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Role != "admin" || ev.Department != "finance" || ev.DeviceType != "laptop" {
		t.Fatalf("categoricals not lower-cased: %+v", ev)
	}
	if ev.ResourceType != "database" || ev.AccessAction != "read" {
		t.Fatalf("resource fields not lower-cased: %+v", ev)
	}
	if ev.Country != "United States" {
		t.Fatalf("country: %q", ev.Country)
	}
	if ev.FailedAttemptsBeforeSuccess != 2 || ev.PrivilegeLevel != 3 || ev.ResourceSensitivity != 5 {
		t.Fatalf("numeric coercion failed: %+v", ev)
	}
	if !ev.IsVPN || ev.MLAnomaly {
		t.Fatalf("flag coercion failed: %+v", ev)
	}
	if ev.AccessResult != "success" || ev.LoginResult != "success" {
		t.Fatalf("result folding failed: %+v", ev)
	}
	if ev.Source != model.SourceBatch {
		t.Fatalf("expected default batch source, got %s", ev.Source)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	rec := fullRecord()
	rec["failed_attempts_before_success"] = "n/a"
	rec["privilege_level"] = ""
	rec["resource_sensitivity"] = "high"
	rec["is_vpn"] = "2"
	rec["hour_of_day"] = ""
	rec["day_of_week"] = ""
	ev, err := NewNormalizer(nil).Normalize(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.FailedAttemptsBeforeSuccess != 0 || ev.PrivilegeLevel != 1 || ev.ResourceSensitivity != 1 {
		t.Fatalf("defaults not applied: %+v", ev)
	}
	if ev.IsVPN {
		t.Fatalf("only 1 counts as a set flag")
	}
	// 2024-03-06 is a Wednesday
	if ev.HourOfDay != 2 || ev.DayOfWeek != 2 {
		t.Fatalf("derived hour/day wrong: %d %d", ev.HourOfDay, ev.DayOfWeek)
	}
}

func TestNormalizeRejectsMissingCriticalFields(t *testing.T) {
	n := NewNormalizer(nil)
	for _, key := range []string{"user_id", "timestamp", "resource_name"} {
		rec := fullRecord()
		rec[key] = " "
		if _, err := n.Normalize(rec); !errors.Is(err, model.ErrMissingField) {
			t.Fatalf("%s: expected ErrMissingField, got %v", key, err)
		}
	}
}

func TestNormalizeRejectsAbsentKeys(t *testing.T) {
	n := NewNormalizer(nil)
	for _, key := range RequiredColumns {
		rec := fullRecord()
		delete(rec, key)
		_, err := n.Normalize(rec)
		if !errors.Is(err, model.ErrMissingField) {
			t.Fatalf("%s: expected ErrMissingField, got %v", key, err)
		}
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("%s: error does not name the field: %v", key, err)
		}
	}
}

func TestNormalizeRejectsOutOfRange(t *testing.T) {
	rec := fullRecord()
	rec["hour_of_day"] = "24"
	if _, err := NewNormalizer(nil).Normalize(rec); !errors.Is(err, model.ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestValidateColumns(t *testing.T) {
	if err := ValidateColumns(RequiredColumns); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header := append([]string{}, RequiredColumns[:len(RequiredColumns)-1]...)
	header = append(header, "ml_anomaly")
	if err := ValidateColumns(header); err != nil {
		t.Fatalf("alias should satisfy is_anomaly: %v", err)
	}
	err := ValidateColumns([]string{"user_id", "timestamp"})
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	cases := []string{
		"2024-03-06T02:15:00Z",
		"2024-03-06T02:15:00.123456",
		"2024-03-06 02:15:00",
		"1709691300",
		"1709691300000",
	}
	for _, c := range cases {
		ts, err := ParseTimestamp(c, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", c, err)
		}
		if ts.Year() != 2024 {
			t.Fatalf("%s: unexpected year %d", c, ts.Year())
		}
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestTitleCase(t *testing.T) {
	cases := map[string]string{
		"india":          "India",
		"UNITED KINGDOM": "United Kingdom",
		"guinea-bissau":  "Guinea-Bissau",
		"":               "",
	}
	for in, want := range cases {
		if got := TitleCase(in); got != want {
			t.Fatalf("TitleCase(%q) = %q, want %q", in, got, want)
		}
	}
}
