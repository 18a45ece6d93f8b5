package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

const datasetHeader = "user_id,role,department,privilege_level,auth_type,login_result,failed_attempts_before_success,timestamp,hour_of_day,day_of_week,country,is_vpn,device_type,resource_name,resource_type,resource_sensitivity,access_action,access_result,is_anomaly\n"

func TestReadCSV(t *testing.T) {
	data := datasetHeader +
		"u1,Employee,IT,2,password,success,0,2026-03-06 12:00:00,12,4,india,0,Laptop,wiki,App,2,Read,success,0\n" +
		",employee,it,1,password,success,0,2026-03-06 12:00:00,12,4,India,0,laptop,wiki,app,2,read,success,0\n" +
		"u2,admin,hr,3,sso,failed,4,2026-03-06 02:00:00,2,4,germany,1,laptop,payroll,db,9,read,denied,1\n" +
		"u3,admin,hr,3,sso,failed,4,not-a-time,2,4,germany,1,laptop,payroll,db,5,read,denied,1\n" +
		"u4,admin,hr,3,sso,failed,4,2026-03-06 02:00:00,2,4,united states,1,laptop,payroll,db,5,read,denied,yes\n"
	events, err := ReadCSV(strings.NewReader(data), normalize.NewNormalizer(nil), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(events))
	}
	first := events[0]
	if first.Role != "employee" || first.Department != "it" || first.Country != "India" || first.AccessAction != "read" {
		t.Fatalf("categorical cleaning: %+v", first)
	}
	if first.Source != model.SourceBatch {
		t.Fatalf("source: %s", first.Source)
	}
	second := events[1]
	if second.UserID != "u4" || second.Country != "United States" || !second.IsVPN || !second.MLAnomaly {
		t.Fatalf("second row: %+v", second)
	}
}

func TestReadCSVMissingColumns(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("user_id,timestamp\nu1,2026-03-06 12:00:00\n"), normalize.NewNormalizer(nil), nil)
	if !errors.Is(err, normalize.ErrMissingColumns) {
		t.Fatalf("expected missing columns error, got %v", err)
	}
	if !strings.Contains(err.Error(), "resource_sensitivity") {
		t.Fatalf("error should name missing columns: %v", err)
	}
}

func TestLoadCSVEmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCSV(empty, normalize.NewNormalizer(nil), nil); err == nil {
		t.Fatalf("expected error for empty dataset")
	}
	if _, err := LoadCSV(filepath.Join(dir, "nope.csv"), normalize.NewNormalizer(nil), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestReadLinesMixedFormats(t *testing.T) {
	kv := "2026-03-06 03:00:00 user=bob role=employee department=hr privilege_level=1 auth_type=password " +
		"login_result=success failed_attempts_before_success=0 hour_of_day=3 day_of_week=4 country=India is_vpn=0 " +
		`device_type=laptop resource="hr share" resource_type=share resource_sensitivity=3 access_action=read ` +
		"access_result=denied is_anomaly=0"
	data := strings.Join([]string{
		eventDoc(t, map[string]any{"resource_name": "payroll", "resource_sensitivity": 5}),
		``,
		kv,
		strings.TrimSpace(datasetHeader),
		"carol,employee,it,1,password,success,0,2026-03-06 04:00:00,4,4,India,0,laptop,wiki,app,2,read,success,0",
		`{"user_id":"dave","timestamp":"2026-03-06T05:00:00Z","resource_name":"wiki"}`,
		"user=frank resource=wiki access_result=denied",
	}, "\n")
	events, err := ReadLines(strings.NewReader(data), normalize.NewNormalizer(nil), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].UserID != "alice" || events[1].UserID != "bob" || events[2].UserID != "carol" {
		t.Fatalf("order: %s %s %s", events[0].UserID, events[1].UserID, events[2].UserID)
	}
	if events[1].AccessResult != "denied" || events[2].ResourceName != "wiki" {
		t.Fatalf("fields: %+v %+v", events[1], events[2])
	}
}

func TestLoadDatasetPicksReaderByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "events.csv")
	if err := os.WriteFile(csvPath, []byte(datasetHeader+"u1,employee,it,1,password,success,0,2026-03-06 12:00:00,12,4,India,0,laptop,wiki,app,2,read,success,0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	jsonPath := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(jsonPath, []byte(eventDoc(t, map[string]any{"user_id": "u2"})+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for path, user := range map[string]string{csvPath: "u1", jsonPath: "u2"} {
		events, err := LoadDataset(path, normalize.NewNormalizer(nil), nil)
		if err != nil || len(events) != 1 || events[0].UserID != user {
			t.Fatalf("%s: %v %+v", filepath.Base(path), err, events)
		}
	}
}
