package live

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor reconnects a disconnected hub automatically, up to attempts
// times spaced by interval. The budget is restored once streaming resumes.
// With attempts <= 0 reconnection is left to callers of Hub.Reconnect.
type Supervisor struct {
	hub      *Hub
	attempts int
	interval time.Duration
	log      *slog.Logger
}

func NewSupervisor(hub *Hub, attempts int, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{hub: hub, attempts: attempts, interval: interval, log: logger}
}

func (s *Supervisor) Run(ctx context.Context) error {
	if s.attempts <= 0 {
		return nil
	}
	_, views, cancel := s.hub.Subscribe()
	defer cancel()

	used := 0
	gaveUp := false
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-views:
			if !ok {
				return nil
			}
			switch v.State {
			case Streaming:
				if used > 0 {
					s.log.Info("backend recovered", "attempts", used)
				}
				used, gaveUp = 0, false
			case Disconnected:
				if fire != nil {
					continue
				}
				if used >= s.attempts {
					if !gaveUp {
						s.log.Error("giving up on backend", "attempts", used)
						gaveUp = true
					}
					continue
				}
				timer = time.NewTimer(s.interval)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			if s.hub.State() != Disconnected {
				continue
			}
			used++
			s.log.Warn("reconnecting", "attempt", used, "max", s.attempts)
			s.hub.Reconnect()
		}
	}
}
