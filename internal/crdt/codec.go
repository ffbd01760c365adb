package crdt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Wire format, all integers unsigned varints:
//
//	update:       count, then per entry:
//	              mapID(1B), keyLen, key, actor, clock, flags(1B),
//	              valueLen, value   (value omitted for tombstones)
//	state vector: count, then per actor: actor, clock
var ErrMalformedUpdate = errors.New("malformed update")

const (
	mapIDNodes = 0x00
	mapIDEdges = 0x01

	flagDeleted = 0x01
)

type wireEntry struct {
	mapName string
	key     string
	actor   uint64
	clock   uint64
	deleted bool
	value   json.RawMessage
}

func encodeUpdate(entries []wireEntry) []byte {
	// Deterministic order so equal documents encode to equal bytes.
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.mapName != b.mapName {
			return a.mapName < b.mapName
		}
		if a.key != b.key {
			return a.key < b.key
		}
		if a.clock != b.clock {
			return a.clock < b.clock
		}
		return a.actor < b.actor
	})

	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(entries)))
	for _, e := range entries {
		switch e.mapName {
		case MapNodes:
			buf.WriteByte(mapIDNodes)
		case MapEdges:
			buf.WriteByte(mapIDEdges)
		}
		writeUvarint(&buf, uint64(len(e.key)))
		buf.WriteString(e.key)
		writeUvarint(&buf, e.actor)
		writeUvarint(&buf, e.clock)
		if e.deleted {
			buf.WriteByte(flagDeleted)
			continue
		}
		buf.WriteByte(0)
		writeUvarint(&buf, uint64(len(e.value)))
		buf.Write(e.value)
	}
	return buf.Bytes()
}

func decodeUpdate(update []byte) ([]wireEntry, error) {
	r := bytes.NewReader(update)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: entry count", ErrMalformedUpdate)
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}

	entries := make([]wireEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		mapID, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated entry", ErrMalformedUpdate)
		}
		var mapName string
		switch mapID {
		case mapIDNodes:
			mapName = MapNodes
		case mapIDEdges:
			mapName = MapEdges
		default:
			return nil, fmt.Errorf("%w: unknown map id %d", ErrMalformedUpdate, mapID)
		}

		key, err := readString(r, len(update))
		if err != nil {
			return nil, err
		}
		actor, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: actor", ErrMalformedUpdate)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: clock", ErrMalformedUpdate)
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: flags", ErrMalformedUpdate)
		}

		e := wireEntry{mapName: mapName, key: key, actor: actor, clock: clock}
		if flags&flagDeleted != 0 {
			entries = append(entries, e)
			continue
		}

		value, err := readString(r, len(update))
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("%w: value for %s/%s is not valid json", ErrMalformedUpdate, mapName, key)
		}
		e.value = json.RawMessage(value)
		entries = append(entries, e)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return entries, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	actors := make([]uint64, 0, len(sv))
	for actor := range sv {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(actors)))
	for _, actor := range actors {
		writeUvarint(&buf, actor)
		writeUvarint(&buf, sv[actor])
	}
	return buf.Bytes()
}

func decodeStateVector(encoded []byte) (map[uint64]uint64, error) {
	r := bytes.NewReader(encoded)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: state vector count", ErrMalformedUpdate)
	}
	if count > uint64(len(encoded)) {
		return nil, fmt.Errorf("%w: state vector count %d exceeds payload", ErrMalformedUpdate, count)
	}
	sv := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		actor, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector actor", ErrMalformedUpdate)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector clock", ErrMalformedUpdate)
		}
		sv[actor] = clock
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return sv, nil
}

func readString(r *bytes.Reader, payloadLen int) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("%w: length prefix", ErrMalformedUpdate)
	}
	if length > uint64(payloadLen) {
		return "", fmt.Errorf("%w: length %d exceeds payload", ErrMalformedUpdate, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("%w: truncated string", ErrMalformedUpdate)
	}
	return string(data), nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
