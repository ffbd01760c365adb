// Package crdt implements the convergent document that backs a study-design
// map: two keyed maps ("nodes" and "edges") whose values are opaque JSON
// records. Concurrent edits from any number of replicas merge with
// last-writer-wins semantics (lamport clock, actor id as tiebreak), so every
// replica that has seen the same set of updates holds the same state
// regardless of arrival order.
//
// A Doc is not safe for concurrent use; the room owning it serializes access.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
)

const (
	MapNodes = "nodes"
	MapEdges = "edges"
)

type entry struct {
	actor   uint64
	clock   uint64
	deleted bool
	value   json.RawMessage
}

// wins reports whether e supersedes other under the total order
// (clock, actor).
func (e entry) wins(other entry) bool {
	if e.clock != other.clock {
		return e.clock > other.clock
	}
	return e.actor > other.actor
}

type Doc struct {
	actor uint64
	clock uint64

	nodes map[string]entry
	edges map[string]entry
}

func NewDoc() *Doc {
	return &Doc{
		actor: randomActor(),
		nodes: make(map[string]entry),
		edges: make(map[string]entry),
	}
}

func randomActor() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *Doc) mapByName(name string) map[string]entry {
	switch name {
	case MapNodes:
		return d.nodes
	case MapEdges:
		return d.edges
	default:
		return nil
	}
}

// Set writes a value into one of the two maps as a local edit.
func (d *Doc) Set(mapName, key string, value any) error {
	m := d.mapByName(mapName)
	if m == nil {
		return fmt.Errorf("unknown map %q", mapName)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", mapName, key, err)
	}
	d.clock++
	m[key] = entry{actor: d.actor, clock: d.clock, value: raw}
	return nil
}

// Delete removes a key as a local edit, leaving a tombstone so the removal
// propagates to other replicas.
func (d *Doc) Delete(mapName, key string) error {
	m := d.mapByName(mapName)
	if m == nil {
		return fmt.Errorf("unknown map %q", mapName)
	}
	d.clock++
	m[key] = entry{actor: d.actor, clock: d.clock, deleted: true}
	return nil
}

// ApplyUpdate merges a remote update into the document. The payload is fully
// decoded and validated before any entry is merged: a malformed update leaves
// the document untouched.
func (d *Doc) ApplyUpdate(update []byte) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	for _, e := range entries {
		d.merge(e)
	}
	return nil
}

func (d *Doc) merge(e wireEntry) {
	m := d.mapByName(e.mapName)
	incoming := entry{actor: e.actor, clock: e.clock, deleted: e.deleted, value: e.value}
	if existing, ok := m[e.key]; ok && !incoming.wins(existing) {
		return
	}
	m[e.key] = incoming
	if e.clock > d.clock {
		d.clock = e.clock
	}
}

// EncodeState returns the whole document (tombstones included) as a single
// update, suitable as the initial snapshot for a newly joined replica.
func (d *Doc) EncodeState() []byte {
	return encodeUpdate(d.collect(nil))
}

// EncodeStateVector returns the per-actor high-water marks of this document.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.stateVector())
}

// EncodeUpdateSince returns the entries the holder of the given state vector
// has not seen yet.
func (d *Doc) EncodeUpdateSince(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	return encodeUpdate(d.collect(sv)), nil
}

func (d *Doc) stateVector() map[uint64]uint64 {
	sv := make(map[uint64]uint64)
	for _, m := range []map[string]entry{d.nodes, d.edges} {
		for _, e := range m {
			if e.clock > sv[e.actor] {
				sv[e.actor] = e.clock
			}
		}
	}
	return sv
}

// collect gathers entries unseen by sv (all entries when sv is nil).
func (d *Doc) collect(sv map[uint64]uint64) []wireEntry {
	var entries []wireEntry
	for _, mapName := range []string{MapNodes, MapEdges} {
		for key, e := range d.mapByName(mapName) {
			if sv != nil && e.clock <= sv[e.actor] {
				continue
			}
			entries = append(entries, wireEntry{
				mapName: mapName,
				key:     key,
				actor:   e.actor,
				clock:   e.clock,
				deleted: e.deleted,
				value:   e.value,
			})
		}
	}
	return entries
}

// Snapshot is the live (tombstone-free) content of a document, keyed by
// entity id. Values stay opaque to the sync layer; the store interprets them.
type Snapshot struct {
	Nodes map[string]json.RawMessage `json:"nodes"`
	Edges map[string]json.RawMessage `json:"edges"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Nodes: make(map[string]json.RawMessage),
		Edges: make(map[string]json.RawMessage),
	}
}

// DocFromSnapshot builds a fresh document holding the snapshot's records as
// local state, the starting point for a newly created room.
func DocFromSnapshot(snapshot Snapshot) (*Doc, error) {
	d := NewDoc()
	for key, raw := range snapshot.Nodes {
		if err := d.Set(MapNodes, key, raw); err != nil {
			return nil, err
		}
	}
	for key, raw := range snapshot.Edges {
		if err := d.Set(MapEdges, key, raw); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Doc) Snapshot() Snapshot {
	snapshot := NewSnapshot()
	for key, e := range d.nodes {
		if !e.deleted {
			snapshot.Nodes[key] = e.value
		}
	}
	for key, e := range d.edges {
		if !e.deleted {
			snapshot.Edges[key] = e.value
		}
	}
	return snapshot
}

// Equal compares two snapshots by decoded value, so the same record arriving
// with different JSON key order still counts as identical.
func (s Snapshot) Equal(other Snapshot) bool {
	return rawMapsEqual(s.Nodes, other.Nodes) && rawMapsEqual(s.Edges, other.Edges)
}

func rawMapsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for key, rawA := range a {
		rawB, ok := b[key]
		if !ok {
			return false
		}
		var valueA, valueB any
		if err := json.Unmarshal(rawA, &valueA); err != nil {
			return false
		}
		if err := json.Unmarshal(rawB, &valueB); err != nil {
			return false
		}
		if !reflect.DeepEqual(valueA, valueB) {
			return false
		}
	}
	return true
}
