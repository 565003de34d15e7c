package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	repo          Pruner
	retentionDays int
	schedule      string
	log           *slog.Logger
	now           func() time.Time
}

func NewService(repo Pruner, days int, schedule string, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 14
	}
	if schedule == "" {
		schedule = "@every 6h"
	}
	return &Service{repo: repo, retentionDays: days, schedule: schedule, log: logger, now: time.Now}
}

func (s *Service) Prune(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("retention cleanup failed", "err", err)
		return
	}
	s.log.Info("retention cleanup completed", "cutoff", cutoff, "records", n)
}

// Run prunes once, then on every tick of the cron schedule until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Prune(ctx) }); err != nil {
		return err
	}
	s.Prune(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
