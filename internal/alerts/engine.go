package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/gibaragibara/nezha-dash-v1/internal/db"
	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/models"
	"github.com/gibaragibara/nezha-dash-v1/internal/note"
)

const backendTarget = "backend"

type Sender interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

type ViewSource interface {
	View() *live.View
}

type Engine struct {
	repo   *db.Repository
	notify Sender
	views  ViewSource
	log    *slog.Logger
	now    func() time.Time
	retry  time.Duration
}

func NewEngine(repo *db.Repository, notify Sender, views ViewSource, logger *slog.Logger) *Engine {
	return &Engine{repo: repo, notify: notify, views: views, log: logger, now: time.Now, retry: 300 * time.Millisecond}
}

type sample struct {
	key, label string
	value      float64
	detail     string
}

func (e *Engine) Evaluate(ctx context.Context) {
	rules, err := e.repo.ListRules(ctx)
	if err != nil {
		e.log.Error("load rules", "err", err)
		return
	}
	v := e.views.View()
	now := e.now().UTC()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		var samples []sample
		switch r.TargetType {
		case "backend":
			if v.Seq == 0 {
				continue
			}
			val := 0.0
			if v.State == live.Disconnected {
				val = 1
			}
			samples = []sample{{key: backendTarget, label: backendTarget, value: val, detail: v.State.String()}}
		case "server":
			// Stale snapshots are not judged; the backend rule covers that case.
			if v.Snapshot == nil || !v.Connected {
				continue
			}
			samples = serverSamples(r, v.Snapshot, now)
		default:
			continue
		}

		seen := make(map[string]bool, len(samples))
		for _, s := range samples {
			seen[s.key] = true
			e.evalTarget(ctx, r, s)
		}
		if r.TargetType == "server" {
			e.recoverMissing(ctx, r, seen)
		}
	}
}

func serverSamples(r models.AlertRule, set *models.SnapshotSet, now time.Time) []sample {
	var out []sample
	set.Range(func(s models.ServerSnapshot) bool {
		if r.TargetID != nil && *r.TargetID != s.ID {
			return true
		}
		label := s.Name
		if label == "" {
			label = s.ID
		}
		smp := sample{key: s.ID, label: label, value: math.NaN()}
		switch r.MetricKey {
		case "server_offline":
			smp.value = 0
			if !s.Online {
				smp.value = 1
				if !s.LastActiveAt.IsZero() {
					smp.detail = "last seen " + humanize.RelTime(s.LastActiveAt, now, "ago", "from now")
				}
			}
		case "server_cpu_pct":
			if s.Online {
				smp.value = s.CPU
			}
		case "server_mem_pct":
			if s.Online {
				smp.value = s.Mem
				smp.detail = humanize.IBytes(s.MemUsed) + " / " + humanize.IBytes(s.MemTotal)
			}
		case "server_disk_pct":
			if s.Online {
				smp.value = s.Disk
				smp.detail = humanize.IBytes(s.DiskUsed) + " / " + humanize.IBytes(s.DiskTotal)
			}
		case "billing_days_left":
			if st, ok := note.Evaluate(s, now); ok && st.EndDate != "" && st.Error == "" {
				smp.value = float64(st.DaysLeft)
				smp.detail = english.Plural(st.DaysLeft, "day", "days") + " left"
			}
		}
		out = append(out, smp)
		return true
	})
	return out
}

func (e *Engine) evalTarget(ctx context.Context, rule models.AlertRule, s sample) {
	if math.IsNaN(s.value) {
		return
	}
	shouldFire := compare(s.value, rule.Operator, rule.Threshold)
	now := e.now().UTC()
	state, since, lastFired, _, err := e.repo.GetAlertState(ctx, rule.ID, s.key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		e.log.Error("get alert state", "err", err, "rule_id", rule.ID)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		state = "OK"
		since = now
	}

	if shouldFire {
		if state == "OK" {
			if rule.ForSeconds <= 0 {
				e.fire(ctx, rule, s, now, now, lastFired)
				return
			}
			_ = e.repo.UpsertAlertState(ctx, rule.ID, s.key, "PENDING", now, lastFired, nil)
			return
		}
		if state == "PENDING" && now.Sub(since) >= time.Duration(rule.ForSeconds)*time.Second {
			e.fire(ctx, rule, s, since, now, lastFired)
		}
		return
	}

	if state == "FIRING" || state == "PENDING" || state == "COOLDOWN" {
		e.recover(ctx, rule, s, state, since, lastFired)
	}
}

func (e *Engine) fire(ctx context.Context, rule models.AlertRule, s sample, since, now time.Time, lastFired *time.Time) {
	if lastFired != nil && now.Sub(*lastFired) < time.Duration(rule.CooldownSeconds)*time.Second {
		_ = e.repo.UpsertAlertState(ctx, rule.ID, s.key, "COOLDOWN", now, lastFired, nil)
		return
	}
	msg := fmt.Sprintf("ALERT %s [%s] value=%.2f threshold %s %.2f", rule.Name, s.label, s.value, rule.Operator, rule.Threshold)
	if s.detail != "" {
		msg += " (" + s.detail + ")"
	}
	alertID, err := e.repo.CreateAlert(ctx, rule.ID, s.key, "firing", msg, map[string]any{"value": s.value, "target": s.label, "detail": s.detail}, now)
	if err != nil {
		e.log.Error("create alert", "err", err, "rule_id", rule.ID)
	} else {
		e.sendNotification(ctx, alertID, msg)
	}
	_ = e.repo.UpsertAlertState(ctx, rule.ID, s.key, "FIRING", since, &now, nil)
}

func (e *Engine) recover(ctx context.Context, rule models.AlertRule, s sample, state string, since time.Time, lastFired *time.Time) {
	now := e.now().UTC()
	_ = e.repo.CloseAlert(ctx, rule.ID, s.key, now)
	if state == "FIRING" {
		msg := fmt.Sprintf("RECOVERY %s [%s] after %s", rule.Name, s.label, strings.TrimSpace(humanize.RelTime(since, now, "", "")))
		if !math.IsNaN(s.value) {
			msg += fmt.Sprintf(" value=%.2f", s.value)
		}
		e.sendNotification(ctx, 0, msg)
	}
	_ = e.repo.UpsertAlertState(ctx, rule.ID, s.key, "OK", now, lastFired, &now)
}

// recoverMissing closes alerts held for servers that left the fleet.
func (e *Engine) recoverMissing(ctx context.Context, rule models.AlertRule, seen map[string]bool) {
	targets, err := e.repo.AlertTargets(ctx, rule.ID)
	if err != nil {
		e.log.Error("list alert targets", "err", err, "rule_id", rule.ID)
		return
	}
	for _, t := range targets {
		if seen[t] {
			continue
		}
		state, since, lastFired, _, err := e.repo.GetAlertState(ctx, rule.ID, t)
		if err != nil {
			continue
		}
		e.recover(ctx, rule, sample{key: t, label: t, value: math.NaN()}, state, since, lastFired)
	}
}

func (e *Engine) sendNotification(ctx context.Context, alertID int64, msg string) {
	if !e.notify.Enabled() {
		e.log.Debug("notification skipped", "msg", msg)
		return
	}
	attempts := 0
	var err error
	for attempts < 3 {
		attempts++
		err = e.notify.Send(ctx, msg)
		if err == nil {
			now := e.now().UTC()
			_ = e.repo.InsertNotificationEvent(ctx, alertID, "telegram", "sent", attempts, "", &now)
			return
		}
		select {
		case <-ctx.Done():
			attempts = 3
		case <-time.After(time.Duration(attempts) * e.retry):
		}
	}
	_ = e.repo.InsertNotificationEvent(ctx, alertID, "telegram", "failed", attempts, err.Error(), nil)
	e.log.Warn("notify failed", "err", err)
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
