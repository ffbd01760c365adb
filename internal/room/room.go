package room

import (
	"sync"

	"studymap/api/internal/crdt"
)

// Room pairs the single authoritative in-memory document for a study design
// with the sessions currently editing it. All merges go through the room's
// mutex, so updates apply in the order they arrive at this process.
type Room struct {
	id        string
	refs      int // guarded by the registry's mutex
	scheduler *Scheduler

	mu          sync.Mutex
	doc         *crdt.Doc
	subscribers map[int]chan []byte
	nextSub     int
}

func (r *Room) ID() string { return r.id }

// ApplyUpdate merges a document update frame into the shared document and
// marks the persistence scheduler. Malformed updates are rejected without
// touching the document.
func (r *Room) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	err := r.doc.ApplyUpdate(update)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.scheduler.Touch()
	return nil
}

// EncodeState returns the full document state, sent to newly joined clients.
func (r *Room) EncodeState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

func (r *Room) Snapshot() crdt.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Snapshot()
}

// Subscribe registers an outbound frame channel for one session and returns
// its subscriber id.
func (r *Room) Subscribe(buffer int) (int, <-chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan []byte, buffer)
	r.subscribers[id] = ch
	return id, ch
}

func (r *Room) Unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		close(ch)
	}
}

// Broadcast forwards a frame to every subscriber except the sender. Sends
// never block: a session that cannot keep up misses the frame and recovers
// through the convergent resync on its next join.
func (r *Room) Broadcast(from int, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		if id == from {
			continue
		}
		select {
		case ch <- frame:
		default:
		}
	}
}
