// Package sweep drives the periodic change-detection passes: snapshot every
// Watch, re-fetch each URL, compare digests, and alert + persist on change.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"sitewatch/internal/kit"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// Fetcher is the fingerprinting capability the sweep depends on.
// *fingerprint.Client satisfies it; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Notifier delivers one message to a subscriber. Failures are logged, never
// retried here, and never block the digest update.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Config struct {
	Enabled  bool
	Interval time.Duration // default 5m
}

// Service runs one full sweep per interval tick. Sweeps never overlap: a tick
// that fires while a sweep is still in flight is skipped, because two
// concurrent passes over overlapping snapshots can alert twice for one change.
type Service struct {
	store    storage.Store
	fetcher  Fetcher
	notifier Notifier
	log      logx.Logger

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc
	sweepWG sync.WaitGroup

	sweeping atomic.Bool

	// sweeps counts completed passes; exposed for status output and tests.
	sweeps atomic.Uint64
}

func New(cfg Config, store storage.Store, fetcher Fetcher, notifier Notifier, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Service{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Sweeps reports how many full passes have completed.
func (s *Service) Sweeps() uint64 { return s.sweeps.Load() }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)

	s.c = cron.New()
	s.entry = s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.tick))
	s.c.Start()
	s.log.Info("sweeper started", logx.Duration("interval", s.cfg.Interval))
}

// Apply updates the interval live. Enabled toggling is handled by the caller
// via Start/Stop.
func (s *Service) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Interval != s.cfg.Interval
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.c.Remove(s.entry)
	s.entry = s.c.Schedule(cron.Every(cfg.Interval), cron.FuncJob(s.tick))
	s.log.Info("sweep interval updated", logx.Duration("interval", cfg.Interval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.sweepWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("sweeper stopped")
	case <-ctx.Done():
		s.log.Warn("sweeper stop timed out; sweep still draining")
	}
}

func (s *Service) tick() {
	// Overlap guard: never run two sweeps at once, skip instead of queueing.
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Warn("sweep still running; skipping tick")
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.sweeping.Store(false)
		return
	}

	s.sweepWG.Add(1)
	defer s.sweepWG.Done()
	defer s.sweeping.Store(false)
	s.RunOnce(ctx)
}

// RunOnce executes a single full sweep over the store's snapshot. Exported so
// tests (and a future manual trigger command) can drive a pass directly.
func (s *Service) RunOnce(ctx context.Context) {
	start := time.Now()

	watches, err := s.store.All(ctx)
	if err != nil {
		s.log.Error("sweep aborted: cannot snapshot watches", logx.Err(err))
		return
	}
	if len(watches) == 0 {
		s.log.Debug("sweep: nothing to check")
		s.sweeps.Add(1)
		return
	}
	s.log.Debug("sweep started", logx.Int("watches", len(watches)))

	var checked, changed, failed int
	for _, w := range watches {
		if ctx.Err() != nil {
			s.log.Info("sweep cancelled mid-pass", logx.Int("checked", checked))
			return
		}
		checked++

		digest, err := s.fetcher.Fetch(ctx, w.URL)
		switch Decide(w.Digest, digest, err) {
		case ActionSkip:
			// One failed fetch isolates to this Watch: no state change, no
			// alert, retried by the next sweep.
			failed++
			s.log.Warn("fetch failed; watch skipped this sweep",
				logx.Int64("subscriber", w.Subscriber), logx.String("url", w.URL), logx.Err(err))

		case ActionNotify:
			changed++
			s.log.Info("change detected",
				logx.Int64("subscriber", w.Subscriber), logx.String("url", w.URL))

			if err := s.notifier.Notify(ctx, kit.Notification{
				Target: kit.ChatTarget{ChatID: w.Subscriber},
				Text:   changeMessage(w.URL),
			}); err != nil {
				// Best-effort delivery: still commit the digest below so the
				// same change is not re-alerted every sweep.
				s.log.Warn("change notification failed",
					logx.Int64("subscriber", w.Subscriber), logx.String("url", w.URL), logx.Err(err))
			}
			if err := s.store.UpdateDigest(ctx, w.Subscriber, w.URL, digest); err != nil {
				s.log.Error("digest update failed",
					logx.Int64("subscriber", w.Subscriber), logx.String("url", w.URL), logx.Err(err))
			}

		case ActionNone:
			// unchanged
		}
	}

	s.sweeps.Add(1)
	s.log.Info("sweep finished",
		logx.Int("checked", checked),
		logx.Int("changed", changed),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))
}

func changeMessage(url string) string {
	return fmt.Sprintf("🔔 Change detected!\n\nThe website %s has been updated.", url)
}
