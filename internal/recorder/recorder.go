package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

type Writer interface {
	InsertRecords(ctx context.Context, recs []models.Record) error
}

// Recorder archives every distinct snapshot the hub publishes. Views can be
// coalesced on a busy subscription, so each view's history is scanned for
// snapshots newer than the last one written.
type Recorder struct {
	hub  *live.Hub
	repo Writer
	log  *slog.Logger

	last time.Time
}

func New(hub *live.Hub, repo Writer, logger *slog.Logger) *Recorder {
	return &Recorder{hub: hub, repo: repo, log: logger}
}

func (r *Recorder) Run(ctx context.Context) error {
	_, views, cancel := r.hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-views:
			if !ok {
				return nil
			}
			r.Record(ctx, v)
		}
	}
}

func (r *Recorder) Record(ctx context.Context, v *live.View) {
	pending := r.pending(v)
	if len(pending) == 0 {
		return
	}
	var recs []models.Record
	for _, set := range pending {
		ts := set.Now()
		set.Range(func(s models.ServerSnapshot) bool {
			recs = append(recs, models.RecordFromSnapshot(ts, s))
			return true
		})
	}
	if err := r.repo.InsertRecords(ctx, recs); err != nil {
		r.log.Error("archive records", "err", err, "snapshots", len(pending))
		return
	}
	r.last = pending[len(pending)-1].Now()
}

// pending returns unarchived snapshots oldest first.
func (r *Recorder) pending(v *live.View) []*models.SnapshotSet {
	sets := v.History
	if len(sets) == 0 && v.Snapshot != nil {
		sets = []*models.SnapshotSet{v.Snapshot}
	}
	var out []*models.SnapshotSet
	for i := len(sets) - 1; i >= 0; i-- {
		s := sets[i]
		if s == nil || s.Len() == 0 || !s.Now().After(r.last) {
			continue
		}
		out = append(out, s)
	}
	return out
}
