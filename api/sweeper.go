/*
sweeper.go - Stale PROCESSING batch sweeper

PURPOSE:
  PROCESSING is a transient status: a crash mid-post would otherwise leave
  a batch that pollers can never see reach a terminal state. The sweeper
  periodically fails batches stuck in PROCESSING beyond a threshold, so
  preview polling always converges and the operator can retry.

DESIGN:
  - Background goroutine with a configurable check interval
  - Failing a stuck batch is safe: every line that materialized keeps its
    invoice reference, so the retry skips it (idempotent per-item posting)

USAGE:
  sweeper := NewStaleBatchSweeper(store, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - billing/batch.go: Post and the per-line posted markers
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// SweeperStore is the slice of the store the sweeper needs.
type SweeperStore interface {
	StuckProcessing(ctx context.Context, cutoff time.Time) ([]billing.Batch, error)
	FinishPost(ctx context.Context, id billing.BatchID, status billing.BatchStatus, postedAt time.Time) error
}

// StaleBatchSweeper fails batches stuck in PROCESSING.
type StaleBatchSweeper struct {
	Store         SweeperStore
	Log           zerolog.Logger
	CheckInterval time.Duration
	MaxAge        time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStaleBatchSweeper creates a sweeper with default timing: check every
// minute, fail anything processing for more than ten.
func NewStaleBatchSweeper(store SweeperStore, log zerolog.Logger) *StaleBatchSweeper {
	return &StaleBatchSweeper{
		Store:         store,
		Log:           log,
		CheckInterval: time.Minute,
		MaxAge:        10 * time.Minute,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweeper.
func (s *StaleBatchSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info().Dur("interval", s.CheckInterval).Msg("stale batch sweeper started")
}

// Stop stops the sweeper.
func (s *StaleBatchSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info().Msg("stale batch sweeper stopped")
	}
}

func (s *StaleBatchSweeper) run() {
	defer s.wg.Done()

	s.Sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep fails every batch processing since before the cutoff. Exported so
// tests and an admin endpoint can trigger it directly.
func (s *StaleBatchSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.MaxAge)
	stuck, err := s.Store.StuckProcessing(ctx, cutoff)
	if err != nil {
		s.Log.Error().Err(err).Msg("sweep query failed")
		return
	}

	for _, batch := range stuck {
		if err := s.Store.FinishPost(ctx, batch.ID, billing.BatchFailed, time.Time{}); err != nil {
			s.Log.Error().Err(err).Str("batch_id", string(batch.ID)).Msg("failed to sweep batch")
			continue
		}
		s.Log.Warn().
			Str("batch_id", string(batch.ID)).
			Msg("batch stuck in PROCESSING marked FAILED")
	}
}
