package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper polls every pending step on a fixed interval.
type Sweeper struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewSweeper creates a sweeper for d running every interval.
func NewSweeper(d *Dispatcher, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	return &Sweeper{
		dispatcher: d,
		interval:   interval,
		logger:     logger.With("component", "sweeper"),
	}, nil
}

// Start schedules the sweep and returns immediately. Sweeps stop when ctx is
// cancelled or Stop is called; a sweep still running is skipped rather than
// overlapped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("poll sweep started", "interval", s.interval)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Sweep polls once.
func (s *Sweeper) Sweep(ctx context.Context) {
	pending := s.dispatcher.Pending()
	if pending == 0 {
		return
	}
	finished := s.dispatcher.PollAll(ctx)
	s.logger.Debug("poll sweep completed", "pending", pending, "finished", finished)
}

// Stop stops scheduling sweeps and waits for a running one to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
