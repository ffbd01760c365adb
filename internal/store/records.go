package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Document record shapes exchanged with the sync layer. These mirror what the
// map frontend keeps in the shared document, so field names follow its JSON.

type ResourceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type NodePosition struct {
	// The editor reports fractional canvas coordinates; rows store them
	// rounded.
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type NodeData struct {
	Name         string        `json:"name"`
	Description  *string       `json:"description"`
	Organisation *string       `json:"organisation"`
	Resources    []ResourceRef `json:"resources"`
}

type NodeRecord struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Position NodePosition `json:"position"`
	Data     NodeData     `json:"data"`
}

type EdgeRecord struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
}

func parseNodeRecord(id string, raw json.RawMessage) (NodeRecord, error) {
	var record NodeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return NodeRecord{}, fmt.Errorf("parse node record %s: %w", id, err)
	}
	record.ID = id
	if record.Type == "" {
		return NodeRecord{}, fmt.Errorf("node record %s: missing type", id)
	}
	return record, nil
}

func parseEdgeRecord(id string, raw json.RawMessage) (EdgeRecord, error) {
	var record EdgeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return EdgeRecord{}, fmt.Errorf("parse edge record %s: %w", id, err)
	}
	record.ID = id
	if record.Source == "" || record.Target == "" {
		return EdgeRecord{}, fmt.Errorf("edge record %s: missing endpoint", id)
	}
	return record, nil
}

func nodeRecordFromRow(node Node, resources []ResourceRef) NodeRecord {
	if resources == nil {
		resources = []ResourceRef{}
	}
	return NodeRecord{
		ID:   node.ID,
		Type: node.TypeID,
		Position: NodePosition{
			X: float64(node.PositionX),
			Y: float64(node.PositionY),
		},
		Data: NodeData{
			Name:         node.Name,
			Description:  node.Description,
			Organisation: node.OrganisationID,
			Resources:    resources,
		},
	}
}

func edgeRecordFromRow(edge Edge) EdgeRecord {
	return EdgeRecord{
		ID:           edge.ID,
		Source:       edge.SourceID,
		SourceHandle: edge.SourceHandle,
		Target:       edge.TargetID,
		TargetHandle: edge.TargetHandle,
	}
}

func (r NodeRecord) roundedX() int { return int(math.Round(r.Position.X)) }
func (r NodeRecord) roundedY() int { return int(math.Round(r.Position.Y)) }

// resourceIDs returns the record's resource ids, deduplicated and sorted.
func (r NodeRecord) resourceIDs() []string {
	seen := make(map[string]bool, len(r.Data.Resources))
	ids := make([]string, 0, len(r.Data.Resources))
	for _, ref := range r.Data.Resources {
		if ref.ID == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		ids = append(ids, ref.ID)
	}
	sort.Strings(ids)
	return ids
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalOptionalStrings(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
