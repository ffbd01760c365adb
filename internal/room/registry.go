// Package room owns the in-memory collaboration state: one shared document
// per study design, reference-counted across the sessions editing it, plus
// the debounce policy deciding when that document is written back to the
// store. The registry is process-local by design: a multi-process deployment
// must route all connections for one study design to the same process.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
)

// Loader builds the initial snapshot for a room from durable state.
type Loader func(ctx context.Context) (crdt.Snapshot, error)

// Persist writes a room's snapshot back to durable storage. The registry
// never runs it concurrently for the same room id.
type Persist func(ctx context.Context, roomID string, snapshot crdt.Snapshot) error

type Registry struct {
	persist  Persist
	debounce time.Duration
	clock    Clock
	logger   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(persist Persist, debounce time.Duration, clock Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		persist:  persist,
		debounce: debounce,
		clock:    clock,
		logger:   logger,
		rooms:    make(map[string]*Room),
	}
}

// Join returns the room's shared document context, creating the room (and
// loading its state through load) on first join. Joins and leaves are
// serialized, so concurrent first joins trigger exactly one load and a
// leave-in-progress finishes persisting before the room can be recreated.
func (g *Registry) Join(ctx context.Context, roomID string, load Loader) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[roomID]; ok {
		room.refs++
		return room, nil
	}

	snapshot, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	doc, err := crdt.DocFromSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("build document for room %s: %w", roomID, err)
	}

	room := &Room{
		id:          roomID,
		refs:        1,
		doc:         doc,
		subscribers: make(map[int]chan []byte),
	}
	room.scheduler = NewScheduler(
		g.debounce,
		g.clock,
		room.Snapshot,
		func(ctx context.Context, snapshot crdt.Snapshot) error {
			return g.persist(ctx, roomID, snapshot)
		},
		g.logger.With().Str("room", roomID).Logger(),
	)
	room.scheduler.Prime(snapshot)

	g.rooms[roomID] = room
	g.logger.Info().Str("room", roomID).Msg("room created")
	return room, nil
}

// Leave decrements the room's refcount. When the last session leaves, the
// room is torn down: its final state is persisted synchronously and the
// document discarded. The returned error is only ever a persist error from
// that teardown.
func (g *Registry) Leave(ctx context.Context, roomID string) (last bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		return false, nil
	}
	room.refs--
	if room.refs > 0 {
		return false, nil
	}

	delete(g.rooms, roomID)
	err = room.scheduler.Flush(ctx)
	room.scheduler.Close()
	g.logger.Info().Str("room", roomID).Msg("room torn down")
	return true, err
}

// Live reports whether a room currently has sessions attached. Writers that
// bypass the room (webhook imports) must not race a live editing session.
func (g *Registry) Live(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rooms[roomID]
	return ok
}

// Len reports how many rooms are live, for metrics.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
