package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// ErrCycleInFlight is returned when an ingest cycle is already running.
var ErrCycleInFlight = errors.New("ingest cycle already in flight")

// Scheduler fires ingest cycles at a fixed interval. One cycle runs at a
// time; manual triggers share the same single-writer lease as the timer.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	lease  sync.Mutex // held for the duration of a cycle
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler around an engine.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Start launches the periodic loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		log.Info().Dur("interval", s.interval).Msg("ingest scheduler started")

		if _, err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
			log.Warn().Err(err).Msg("initial ingest cycle")
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
					log.Warn().Err(err).Msg("scheduled ingest cycle")
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.engine.Wait()
	log.Info().Msg("ingest scheduler stopped")
}

// Trigger runs one full cycle now, bypassing the timer. Returns
// ErrCycleInFlight when another cycle holds the lease.
func (s *Scheduler) Trigger(ctx context.Context) ([]models.IngestReport, error) {
	if !s.lease.TryLock() {
		return nil, ErrCycleInFlight
	}
	defer s.lease.Unlock()

	start := time.Now()
	reports := s.engine.IngestAll(ctx)
	log.Info().Int("remotes", len(reports)).Dur("elapsed", time.Since(start)).Msg("ingest cycle complete")
	return reports, nil
}
