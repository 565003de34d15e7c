package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
	"github.com/gibaragibara/nezha-dash-v1/internal/normalize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Stalled
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stalled:
		return "stalled"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Connected reports whether consumers should treat data as live. A stalled
// stream still serves its last snapshot and counts as connected.
func (s State) Connected() bool { return s == Streaming || s == Stalled }

type Source interface {
	FetchStatus(ctx context.Context) (models.RawPayload, error)
}

type Options struct {
	Interval    time.Duration
	HistorySize int
	MaxFailures int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 30
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	return o
}

type Stats struct {
	Acquisitions uint64 `json:"acquisitions"`
	Failures     uint64 `json:"failures"`
	Skipped      uint64 `json:"skipped"`
	Duplicates   uint64 `json:"duplicates"`
	Published    uint64 `json:"published"`
	Discarded    uint64 `json:"discarded"`
	Malformed    uint64 `json:"malformed"`
	DuplicateIDs uint64 `json:"duplicate_ids"`
}

// Synchronizer polls a Source, normalizes what it returns and publishes
// distinct results to a Hub. At most one acquisition is in flight; ticks that
// arrive meanwhile are skipped.
type Synchronizer struct {
	src  Source
	norm *normalize.Normalizer
	hub  *Hub
	log  *slog.Logger
	opts Options
	now  func() time.Time

	inflight atomic.Bool
	closed   atomic.Bool
	wake     chan struct{}
	halt     chan struct{}

	mu         sync.Mutex
	gen        uint64
	cancelCall context.CancelFunc
	state      State
	failures   int
	current    *models.SnapshotSet
	baseline   *models.SnapshotSet
	lastHash   uint64
	hasHash    bool
	history    *History
	ready      bool
	seq        uint64

	acquisitions, failed, skipped, duplicates atomic.Uint64
	published, discarded, malformed, dupIDs   atomic.Uint64
}

func NewSynchronizer(src Source, norm *normalize.Normalizer, hub *Hub, opts Options, logger *slog.Logger) *Synchronizer {
	opts = opts.withDefaults()
	s := &Synchronizer{
		src:     src,
		norm:    norm,
		hub:     hub,
		log:     logger,
		opts:    opts,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		halt:    make(chan struct{}, 1),
		history: NewHistory(opts.HistorySize),
	}
	hub.bind(s.Reconnect)
	return s
}

func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	var wg sync.WaitGroup
	defer ticker.Stop()
	defer wg.Wait()
	defer s.Close()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}

	// Immediate first run
	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		case <-s.halt:
			if s.State() == Disconnected {
				ticker.Stop()
				s.log.Warn("polling stopped", "failures", s.opts.MaxFailures)
			}
		case <-s.wake:
			ticker.Reset(s.opts.Interval)
			tick()
		}
	}
}

// Tick performs one acquisition unless one is already in flight, the
// synchronizer is disconnected or it has been closed.
func (s *Synchronizer) Tick(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return
	}
	defer s.inflight.Store(false)

	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelCall = cancel
	if s.state == Idle {
		s.state = Connecting
		s.publishLocked()
	}
	s.mu.Unlock()

	raw, err := s.fetch(callCtx)
	s.acquisitions.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCall = nil
	if s.closed.Load() || gen != s.gen {
		s.discarded.Add(1)
		return
	}
	if err != nil {
		s.failLocked(err)
		return
	}
	s.succeedLocked(raw)
}

func (s *Synchronizer) fetch(ctx context.Context) (raw models.RawPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return s.src.FetchStatus(ctx)
}

func (s *Synchronizer) succeedLocked(raw models.RawPayload) {
	set, rep := s.norm.Normalize(raw, s.baseline)
	if n := len(rep.Malformed); n > 0 {
		s.malformed.Add(uint64(n))
		s.log.Warn("dropped malformed entries", "count", n, "first", rep.Malformed[0].Error())
	}
	if n := len(rep.Duplicates); n > 0 {
		s.dupIDs.Add(uint64(n))
		s.log.Warn("duplicate node ids in payload", "ids", rep.Duplicates)
	}

	prev := s.state
	s.failures = 0
	s.state = Streaming
	if prev != Streaming {
		s.log.Info("streaming", "from", prev.String(), "servers", set.Len())
	}

	h := fingerprint(set, !s.norm.Schema().PassthroughRates())
	if s.hasHash && h == s.lastHash {
		s.duplicates.Add(1)
		if prev != Streaming {
			s.publishLocked()
		}
		return
	}
	s.lastHash, s.hasHash = h, true
	s.baseline = set
	s.current = set
	s.ready = true
	s.history.Push(set)
	s.publishLocked()
}

func (s *Synchronizer) failLocked(err error) {
	s.failed.Add(1)
	s.failures++
	prev := s.state
	switch {
	case s.failures >= s.opts.MaxFailures:
		s.state = Disconnected
	case prev == Streaming:
		s.state = Stalled
	}
	s.log.Warn("acquisition failed", "err", err, "failures", s.failures, "state", s.state.String())
	s.publishLocked()
	if s.state == Disconnected && prev != Disconnected {
		select {
		case s.halt <- struct{}{}:
		default:
		}
	}
}

func (s *Synchronizer) publishLocked() {
	s.seq++
	s.published.Add(1)
	s.hub.publish(&View{
		Snapshot:  s.current,
		History:   s.history.Items(),
		Connected: s.state.Connected(),
		State:     s.state,
		Ready:     s.ready,
		Failures:  s.failures,
		Seq:       s.seq,
		UpdatedAt: s.now().UTC(),
	})
}

// Reconnect restarts from Connecting with empty history and no rate baseline.
// A call still in flight is cancelled and its result discarded.
func (s *Synchronizer) Reconnect() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.gen++
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	prev := s.state
	s.history.Reset()
	s.baseline = nil
	s.hasHash = false
	s.failures = 0
	s.state = Connecting
	s.publishLocked()
	s.mu.Unlock()
	s.log.Info("reconnect requested", "from", prev.String())

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the synchronizer for good. Calls still in flight are cancelled
// and whatever they return is dropped.
func (s *Synchronizer) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	s.gen++
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	s.mu.Unlock()
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Stats() Stats {
	return Stats{
		Acquisitions: s.acquisitions.Load(),
		Failures:     s.failed.Load(),
		Skipped:      s.skipped.Load(),
		Duplicates:   s.duplicates.Load(),
		Published:    s.published.Load(),
		Discarded:    s.discarded.Load(),
		Malformed:    s.malformed.Load(),
		DuplicateIDs: s.dupIDs.Load(),
	}
}

// fingerprint hashes the canonical encoding of every server in id order. The
// acquisition time is left out, including last-active stamps that merely
// repeat it, and so are rates derived from counters that are already hashed.
func fingerprint(set *models.SnapshotSet, skipRates bool) uint64 {
	h := xxh3.New()
	now := set.Now()
	set.Range(func(srv models.ServerSnapshot) bool {
		if srv.LastActiveAt.Equal(now) {
			srv.LastActiveAt = time.Time{}
		}
		if skipRates {
			srv.UploadRate, srv.DownloadRate = 0, 0
		}
		b, err := json.Marshal(srv)
		if err != nil {
			b = []byte(srv.ID)
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{'\n'})
		return true
	})
	return h.Sum64()
}
