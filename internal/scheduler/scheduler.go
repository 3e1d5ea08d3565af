// Package scheduler drives the ingestion sources. Each source gets its own
// ticker loop; cycles run in their own goroutine so a slow cycle delays
// nothing, and a tick that lands while a cycle is still in flight is
// skipped and counted rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbtatracker-data/internal/clock"
	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/ingest"
)

// degradedThreshold is the consecutive failure count at which a source is
// declared degraded.
const degradedThreshold = 5

// Observer receives per-cycle measurements. See metrics.Collector.
type Observer interface {
	ObserveCycle(result ingest.CycleResult)
	ObserveFailure(source, kind string)
	MissedTick(source string)
	SetDegraded(source string, degraded bool)
}

// Notifier receives source health transitions. See webhook.Client.
type Notifier interface {
	SendDegraded(source string, consecutiveFailures int, lastErr error) error
	SendRecovered(source string) error
}

type sourceState struct {
	src ingest.Source

	mu                  sync.Mutex
	inFlight            bool
	consecutiveFailures int
	degraded            bool
}

// tryBegin claims the in-flight slot; it reports false when a cycle is
// already running.
func (st *sourceState) tryBegin() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight {
		return false
	}
	st.inFlight = true
	return true
}

type Scheduler struct {
	interval        time.Duration
	shutdownTimeout time.Duration
	sources         []*sourceState
	clock           clock.Clock
	logger          logger.Logger
	observer        Observer
	notifier        Notifier

	mu          sync.RWMutex
	isRunning   bool
	loopCancel  context.CancelFunc
	cycleCancel context.CancelFunc
	loopWg      sync.WaitGroup
	cycleWg     sync.WaitGroup
}

func New(
	interval, shutdownTimeout time.Duration,
	sources []ingest.Source,
	clk clock.Clock,
	log logger.Logger,
	observer Observer,
	notifier Notifier,
) *Scheduler {
	s := &Scheduler{
		interval:        interval,
		shutdownTimeout: shutdownTimeout,
		clock:           clk,
		logger:          log,
		observer:        observer,
		notifier:        notifier,
	}
	for _, src := range sources {
		s.sources = append(s.sources, &sourceState{src: src})
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if len(s.sources) == 0 {
		return fmt.Errorf("no sources configured")
	}
	if s.interval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}

	// Two contexts: one stops the ticker loops, the other aborts cycles.
	// Stop cancels them in that order so an in-flight cycle can finish its
	// write inside the shutdown timeout.
	loopCtx, loopCancel := context.WithCancel(ctx)
	cycleCtx, cycleCancel := context.WithCancel(ctx)
	s.loopCancel = loopCancel
	s.cycleCancel = cycleCancel

	for _, st := range s.sources {
		s.loopWg.Add(1)
		go s.pollSource(loopCtx, cycleCtx, st)
	}

	s.isRunning = true
	s.logger.Info("Scheduler started", "sources", len(s.sources), "interval", s.interval.String())
	return nil
}

// Stop halts dispatching first, lets in-flight cycles drain for up to the
// shutdown timeout, then cancels whatever is still running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping scheduler")
	s.loopCancel()
	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.cycleWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.clock.After(s.shutdownTimeout):
		s.logger.Warn("Shutdown timeout elapsed, cancelling in-flight cycles", "timeout", s.shutdownTimeout.String())
		s.cycleCancel()
		<-done
	}
	s.cycleCancel()

	s.isRunning = false
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// pollSource runs one source: an immediate first cycle, then one per tick.
// The loop only dispatches; cycles run in their own goroutine.
func (s *Scheduler) pollSource(loopCtx, cycleCtx context.Context, st *sourceState) {
	defer s.loopWg.Done()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting source polling", "source", st.src.Name())

	s.dispatch(cycleCtx, st)

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C():
			s.dispatch(cycleCtx, st)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, st *sourceState) {
	if !st.tryBegin() {
		s.logger.Warn("Skipping tick, previous cycle still running", "source", st.src.Name())
		if s.observer != nil {
			s.observer.MissedTick(st.src.Name())
		}
		return
	}
	s.cycleWg.Add(1)
	go s.runCycle(ctx, st)
}

func (s *Scheduler) runCycle(ctx context.Context, st *sourceState) {
	defer s.cycleWg.Done()
	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.mu.Unlock()
	}()

	cycleID := uuid.NewString()
	log := s.logger.With("source", st.src.Name(), "cycle_id", cycleID)

	result, err := st.src.Poll(ctx)
	if err != nil {
		kind := ingest.FailureKind(err)
		if kind == ingest.KindCancelled {
			log.Debug("Cycle cancelled")
			return
		}
		log.Error("Cycle failed", "kind", kind, "error", err)
		if s.observer != nil {
			s.observer.ObserveFailure(st.src.Name(), kind)
		}
		s.recordFailure(st, err, log)
		return
	}

	log.Info("Cycle completed",
		"fetched", result.Fetched,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"duration", result.Duration.String())
	if s.observer != nil {
		s.observer.ObserveCycle(result)
	}
	s.recordSuccess(st, log)
}

func (s *Scheduler) recordFailure(st *sourceState, err error, log logger.Logger) {
	st.mu.Lock()
	st.consecutiveFailures++
	failures := st.consecutiveFailures
	crossed := failures == degradedThreshold
	if crossed {
		st.degraded = true
	}
	st.mu.Unlock()

	if !crossed {
		return
	}
	log.Error("Source degraded", "consecutive_failures", failures)
	if s.observer != nil {
		s.observer.SetDegraded(st.src.Name(), true)
	}
	if s.notifier != nil {
		if nerr := s.notifier.SendDegraded(st.src.Name(), failures, err); nerr != nil {
			log.Warn("Failed to send degraded notification", "error", nerr)
		}
	}
}

func (s *Scheduler) recordSuccess(st *sourceState, log logger.Logger) {
	st.mu.Lock()
	wasDegraded := st.degraded
	st.consecutiveFailures = 0
	st.degraded = false
	st.mu.Unlock()

	if !wasDegraded {
		return
	}
	log.Info("Source recovered")
	if s.observer != nil {
		s.observer.SetDegraded(st.src.Name(), false)
	}
	if s.notifier != nil {
		if nerr := s.notifier.SendRecovered(st.src.Name()); nerr != nil {
			log.Warn("Failed to send recovery notification", "error", nerr)
		}
	}
}
