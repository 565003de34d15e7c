package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Repository struct {
	db *sql.DB
}

type Alert struct {
	ID       int64      `json:"id"`
	RuleName string     `json:"rule_name"`
	Target   string     `json:"target"`
	Status   string     `json:"status"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
	Summary  string     `json:"summary"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const recordColumns = `ts,server_id,online,cpu,mem,swap,disk,mem_used,mem_total,swap_used,swap_total,disk_used,disk_total,
	net_in,net_out,net_in_total,net_out_total,connections,connections_udp,process,load1`

func (r *Repository) InsertRecords(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range recs {
		online := 0
		if m.Online {
			online = 1
		}
		if _, err := stmt.ExecContext(ctx, m.TS.UTC(), m.ServerID, online, m.CPU, m.Mem, m.Swap, m.Disk,
			int64(m.MemUsed), int64(m.MemTotal), int64(m.SwapUsed), int64(m.SwapTotal), int64(m.DiskUsed), int64(m.DiskTotal),
			m.NetIn, m.NetOut, int64(m.NetInTotal), int64(m.NetOutTotal), m.Connections, m.ConnUDP, m.Process, m.Load1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentRecords returns one server's records since from, oldest first.
func (r *Repository) RecentRecords(ctx context.Context, serverID string, from time.Time, limit int) ([]models.Record, error) {
	if limit <= 0 || limit > 10000 {
		limit = 2000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE server_id = ? AND ts >= ? ORDER BY ts ASC LIMIT ?`, serverID, from.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Record, 0, 64)
	for rows.Next() {
		var m models.Record
		var online int
		var memUsed, memTotal, swapUsed, swapTotal, diskUsed, diskTotal, inTotal, outTotal int64
		if err := rows.Scan(&m.TS, &m.ServerID, &online, &m.CPU, &m.Mem, &m.Swap, &m.Disk,
			&memUsed, &memTotal, &swapUsed, &swapTotal, &diskUsed, &diskTotal,
			&m.NetIn, &m.NetOut, &inTotal, &outTotal, &m.Connections, &m.ConnUDP, &m.Process, &m.Load1); err != nil {
			return nil, err
		}
		m.Online = online == 1
		m.MemUsed, m.MemTotal = uint64(memUsed), uint64(memTotal)
		m.SwapUsed, m.SwapTotal = uint64(swapUsed), uint64(swapTotal)
		m.DiskUsed, m.DiskTotal = uint64(diskUsed), uint64(diskTotal)
		m.NetInTotal, m.NetOutTotal = uint64(inTotal), uint64(outTotal)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) LoadSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (r *Repository) DeleteSetting(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	for k, v := range map[string]string{"telegram_token": token, "telegram_chat_id": chatID} {
		if err := r.SaveSetting(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	if token, _, err = r.LoadSetting(ctx, "telegram_token"); err != nil {
		return "", "", err
	}
	if chatID, _, err = r.LoadSetting(ctx, "telegram_chat_id"); err != nil {
		return "", "", err
	}
	return token, chatID, nil
}

func (r *Repository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,name,target_type,target_id_nullable,metric_key,operator,threshold,for_seconds,cooldown_seconds,enabled FROM alert_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AlertRule
	for rows.Next() {
		var rule models.AlertRule
		var target sql.NullString
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.TargetType, &target, &rule.MetricKey, &rule.Operator, &rule.Threshold, &rule.ForSeconds, &rule.CooldownSeconds, &enabled); err != nil {
			return nil, err
		}
		if target.Valid {
			t := target.String
			rule.TargetID = &t
		}
		rule.Enabled = enabled == 1
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateRuleThresholds(ctx context.Context, id int64, threshold float64, forSec, cooldown int, enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	_, err := r.db.ExecContext(ctx, `UPDATE alert_rules SET threshold=?,for_seconds=?,cooldown_seconds=?,enabled=? WHERE id=?`, threshold, forSec, cooldown, enabledInt, id)
	return err
}

func (r *Repository) UpsertAlertState(ctx context.Context, ruleID int64, target, state string, since time.Time, lastFired, lastRecovered *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO alert_states (rule_id,target_fingerprint,state,since_ts,last_fired_ts,last_recovered_ts)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(rule_id,target_fingerprint) DO UPDATE SET state=excluded.state,since_ts=excluded.since_ts,last_fired_ts=excluded.last_fired_ts,last_recovered_ts=excluded.last_recovered_ts`,
		ruleID, target, state, since.UTC(), utcPtr(lastFired), utcPtr(lastRecovered))
	return err
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (r *Repository) GetAlertState(ctx context.Context, ruleID int64, target string) (state string, since time.Time, lastFired, lastRecovered *time.Time, err error) {
	var fired, recovered sql.NullTime
	err = r.db.QueryRowContext(ctx, `SELECT state,since_ts,last_fired_ts,last_recovered_ts FROM alert_states WHERE rule_id=? AND target_fingerprint=?`, ruleID, target).
		Scan(&state, &since, &fired, &recovered)
	if err != nil {
		return "", time.Time{}, nil, nil, err
	}
	if fired.Valid {
		t := fired.Time
		lastFired = &t
	}
	if recovered.Valid {
		t := recovered.Time
		lastRecovered = &t
	}
	return
}

// AlertTargets lists the targets a rule holds state for.
func (r *Repository) AlertTargets(ctx context.Context, ruleID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT target_fingerprint FROM alert_states WHERE rule_id=? AND state != 'OK'`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) CreateAlert(ctx context.Context, ruleID int64, target, status, summary string, details map[string]any, started time.Time) (int64, error) {
	b, _ := json.Marshal(details)
	res, err := r.db.ExecContext(ctx, `INSERT INTO alerts (rule_id,target_fingerprint,status,started_ts,summary,details_json) VALUES (?,?,?,?,?,?)`, ruleID, target, status, started.UTC(), summary, string(b))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) CloseAlert(ctx context.Context, ruleID int64, target string, ended time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE alerts SET status='recovered', ended_ts_nullable=? WHERE rule_id=? AND target_fingerprint=? AND status='firing'`, ended.UTC(), ruleID, target)
	return err
}

func (r *Repository) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT a.id,r.name,a.target_fingerprint,a.status,a.started_ts,a.ended_ts_nullable,a.summary
		FROM alerts a JOIN alert_rules r ON r.id=a.rule_id
		WHERE a.started_ts >= ?
		ORDER BY a.started_ts DESC, a.id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Alert{}
	for rows.Next() {
		var a Alert
		var ended sql.NullTime
		if err := rows.Scan(&a.ID, &a.RuleName, &a.Target, &a.Status, &a.Started, &ended, &a.Summary); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			a.Ended = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) ActiveAlertCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE status='firing'`).Scan(&n)
	return n, err
}

func (r *Repository) InsertNotificationEvent(ctx context.Context, alertID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_events (alert_id,channel,status,attempts,last_error,sent_ts_nullable) VALUES (?,?,?,?,?,?)`, alertID, channel, status, attempts, lastErr, utcPtr(sent))
	return err
}

// DeleteOlderThan prunes records and recovered alerts started before cutoff
// and reports how many records went.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	queries := []string{
		`DELETE FROM alerts WHERE started_ts < ? AND status='recovered'`,
		`DELETE FROM notification_events WHERE sent_ts_nullable IS NOT NULL AND sent_ts_nullable < ?`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return n, err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return n, nil
}
