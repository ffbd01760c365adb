package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
)

// Scheduler coalesces bursts of document edits into infrequent durable
// writes. Touch marks a qualifying update: if the debounce interval has
// already elapsed since the last persist, it persists immediately, otherwise
// it arms a timer for the remainder of the interval. Flush persists
// synchronously regardless of the timer, for the last-connection-leave path.
// A persist is skipped when the snapshot is value-identical to the last one
// written.
type Scheduler struct {
	interval time.Duration
	clock    Clock
	snapshot func() crdt.Snapshot
	persist  func(ctx context.Context, snapshot crdt.Snapshot) error
	logger   zerolog.Logger

	mu            sync.Mutex
	timer         Timer
	lastPersistAt time.Time
	lastPersisted crdt.Snapshot
	hasPersisted  bool
	closed        bool
}

func NewScheduler(
	interval time.Duration,
	clock Clock,
	snapshot func() crdt.Snapshot,
	persist func(ctx context.Context, snapshot crdt.Snapshot) error,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		interval:      interval,
		clock:         clock,
		snapshot:      snapshot,
		persist:       persist,
		logger:        logger,
		lastPersistAt: clock.Now(),
	}
}

// Prime seeds the last-persisted snapshot, so a document that never diverges
// from its loaded state is not written back at all.
func (s *Scheduler) Prime(snapshot crdt.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPersisted = snapshot
	s.hasPersisted = true
}

// Touch records that a document update arrived.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	elapsed := s.clock.Now().Sub(s.lastPersistAt)
	if elapsed >= s.interval {
		if err := s.persistLocked(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("debounced persist failed")
		}
		return
	}
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.interval-elapsed, s.fire)
	}
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed {
		return
	}
	if err := s.persistLocked(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("debounced persist failed")
	}
}

// Flush cancels any pending timer and persists synchronously. After Close
// it is a no-op.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.stopTimerLocked()
	return s.persistLocked(ctx)
}

// Close stops the scheduler; no further persists happen through it.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.closed = true
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	snapshot := s.snapshot()
	s.lastPersistAt = s.clock.Now()
	if s.hasPersisted && snapshot.Equal(s.lastPersisted) {
		return nil
	}
	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.lastPersisted = snapshot
	s.hasPersisted = true
	return nil
}
