package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"idguard/internal/normalize"
)

var reKV = regexp.MustCompile(`([a-zA-Z_]+)=("[^"]*"|\S+)`)

// ErrNoHeader is returned for a CSV row seen before any header row.
var ErrNoHeader = errors.New("csv row before header")

// Parser turns one raw line into a record. It accepts JSON objects, CSV rows
// after a header row, and key=value text.
type Parser struct {
	header []string
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine returns a nil record for blank lines and CSV header rows.
func (p *Parser) ParseLine(line string) (normalize.Record, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if strings.HasPrefix(trim, "{") {
		return RecordFromJSON([]byte(trim))
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		return p.parseCSV(trim)
	}
	return parsePlain(trim), nil
}

func (p *Parser) parseCSV(line string) (normalize.Record, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	row, err := r.Read()
	if err != nil {
		return nil, err
	}
	if looksLikeHeader(row) {
		p.header = canonicalHeader(row)
		return nil, nil
	}
	if p.header == nil {
		return nil, ErrNoHeader
	}
	return recordFromRow(p.header, row), nil
}

func looksLikeHeader(row []string) bool {
	for _, v := range row {
		if normalize.CanonicalField(v) == "user_id" {
			return true
		}
	}
	return false
}

func canonicalHeader(row []string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = normalize.CanonicalField(v)
	}
	return out
}

func recordFromRow(header, row []string) normalize.Record {
	rec := make(normalize.Record, len(header))
	for i, name := range header {
		if i >= len(row) {
			break
		}
		rec[name] = strings.TrimSpace(row[i])
	}
	return rec
}

func parsePlain(line string) normalize.Record {
	rec := normalize.Record{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		rec[normalize.CanonicalField(match[1])] = strings.Trim(match[2], `"`)
	}
	if rec["timestamp"] == "" {
		if m := reTimestamp.FindStringSubmatch(line); m != nil {
			rec["timestamp"] = m[1]
		}
	}
	return rec
}

// RecordFromJSON flattens a JSON object into a record. Booleans become 0/1
// and null values are dropped.
func RecordFromJSON(data []byte) (normalize.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode json event: %w", err)
	}
	return recordFromMap(obj), nil
}

func recordFromMap(obj map[string]any) normalize.Record {
	rec := make(normalize.Record, len(obj))
	for key, val := range obj {
		var s string
		switch v := val.(type) {
		case nil:
			continue
		case string:
			s = v
		case bool:
			s = "0"
			if v {
				s = "1"
			}
		case json.Number:
			s = v.String()
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			s = fmt.Sprint(v)
		}
		rec[normalize.CanonicalField(key)] = s
	}
	return rec
}
