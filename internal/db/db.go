package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			ts DATETIME NOT NULL,
			server_id TEXT NOT NULL,
			online INTEGER NOT NULL,
			cpu REAL NOT NULL,
			mem REAL NOT NULL,
			swap REAL NOT NULL,
			disk REAL NOT NULL,
			mem_used INTEGER NOT NULL,
			mem_total INTEGER NOT NULL,
			swap_used INTEGER NOT NULL,
			swap_total INTEGER NOT NULL,
			disk_used INTEGER NOT NULL,
			disk_total INTEGER NOT NULL,
			net_in REAL NOT NULL,
			net_out REAL NOT NULL,
			net_in_total INTEGER NOT NULL,
			net_out_total INTEGER NOT NULL,
			connections INTEGER NOT NULL,
			connections_udp INTEGER NOT NULL,
			process INTEGER NOT NULL,
			load1 REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id_nullable TEXT,
			metric_key TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			for_seconds INTEGER NOT NULL,
			cooldown_seconds INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS alert_states (
			rule_id INTEGER NOT NULL,
			target_fingerprint TEXT NOT NULL,
			state TEXT NOT NULL,
			since_ts DATETIME NOT NULL,
			last_fired_ts DATETIME,
			last_recovered_ts DATETIME,
			PRIMARY KEY(rule_id, target_fingerprint),
			FOREIGN KEY(rule_id) REFERENCES alert_rules(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			target_fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			started_ts DATETIME NOT NULL,
			ended_ts_nullable DATETIME,
			summary TEXT NOT NULL,
			details_json TEXT NOT NULL,
			FOREIGN KEY(rule_id) REFERENCES alert_rules(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS notification_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			sent_ts_nullable DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_server_ts ON records(server_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status_started ON alerts(status, started_ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return seedDefaultRules(db)
}

func seedDefaultRules(db *sql.DB) error {
	defaults := []struct {
		name, targetType, metricKey, op string
		th                              float64
		forSec, cooldown                int
	}{
		{"Server offline", "server", "server_offline", ">=", 1, 60, 600},
		{"Server CPU high", "server", "server_cpu_pct", ">", 90, 120, 600},
		{"Server memory high", "server", "server_mem_pct", ">", 90, 120, 600},
		{"Server disk high", "server", "server_disk_pct", ">", 85, 300, 1800},
		{"Billing expiring", "server", "billing_days_left", "<=", 7, 0, 86400},
		{"Backend disconnected", "backend", "backend_disconnected", ">=", 1, 30, 600},
	}
	for _, r := range defaults {
		_, err := db.Exec(`INSERT INTO alert_rules (name,target_type,metric_key,operator,threshold,for_seconds,cooldown_seconds,enabled)
			SELECT ?,?,?,?,?,?,?,1 WHERE NOT EXISTS (SELECT 1 FROM alert_rules WHERE name = ?)`,
			r.name, r.targetType, r.metricKey, r.op, r.th, r.forSec, r.cooldown, r.name)
		if err != nil {
			return err
		}
	}
	return nil
}
