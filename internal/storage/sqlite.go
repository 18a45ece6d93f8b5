package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			alert_level TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			source TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id)`,
	},
	insert: `INSERT INTO alerts (alert_id, ts, user_id, alert_level, risk_score, source, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	trim:  `DELETE FROM alerts WHERE seq NOT IN (SELECT seq FROM alerts ORDER BY seq DESC LIMIT ?)`,
	load:  `SELECT payload_json FROM alerts ORDER BY seq DESC LIMIT ?`,
	clear: `DELETE FROM alerts`,
}

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:idguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db, dialect: sqliteDialect}}, nil
}
