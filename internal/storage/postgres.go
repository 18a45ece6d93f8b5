package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			seq BIGSERIAL PRIMARY KEY,
			alert_id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			alert_level TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			source TEXT NOT NULL,
			payload_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id)`,
	},
	insert: `INSERT INTO alerts (alert_id, ts, user_id, alert_level, risk_score, source, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	trim:  `DELETE FROM alerts WHERE seq NOT IN (SELECT seq FROM alerts ORDER BY seq DESC LIMIT $1)`,
	load:  `SELECT payload_json::text FROM alerts ORDER BY seq DESC LIMIT $1`,
	clear: `DELETE FROM alerts`,
}

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/idguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, dialect: postgresDialect}}, nil
}
