package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
)

var ErrNotFound = errors.New("not found")

// Store is the sole component touching durable storage. SaveGraph must not
// run concurrently for the same study design; the room layer guarantees that
// by persisting only from the single process owning the room.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetStudyDesign(ctx context.Context, id string) (StudyDesign, error) {
	var design StudyDesign
	err := s.db.QueryRowContext(ctx, `
		SELECT id, site_id, name, description, archived
		FROM study_designs WHERE id=$1
	`, id).Scan(&design.ID, &design.SiteID, &design.Name, &design.Description, &design.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return StudyDesign{}, ErrNotFound
	}
	if err != nil {
		return StudyDesign{}, fmt.Errorf("lookup study design: %w", err)
	}
	return design, nil
}

func (s *Store) IsSiteMember(ctx context.Context, personID, siteID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM site_memberships WHERE person_id=$1 AND site_id=$2)
	`, personID, siteID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check site membership: %w", err)
	}
	return member, nil
}

// LoadGraph reads the study design's rows into their document record shapes,
// keyed by entity id. Edges whose endpoints do not resolve are dropped.
func (s *Store) LoadGraph(ctx context.Context, studyDesignID string) (crdt.Snapshot, error) {
	if _, err := s.GetStudyDesign(ctx, studyDesignID); err != nil {
		return crdt.Snapshot{}, err
	}

	nodes, err := loadNodes(ctx, s.db, studyDesignID)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	refs, err := loadNodeResourceRefs(ctx, s.db, studyDesignID)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	edges, err := loadEdges(ctx, s.db, studyDesignID)
	if err != nil {
		return crdt.Snapshot{}, err
	}

	snapshot := crdt.NewSnapshot()
	for id, node := range nodes {
		raw, err := json.Marshal(nodeRecordFromRow(node, refs[id]))
		if err != nil {
			return crdt.Snapshot{}, fmt.Errorf("marshal node %s: %w", id, err)
		}
		snapshot.Nodes[id] = raw
	}
	for id, edge := range edges {
		if _, ok := nodes[edge.SourceID]; !ok {
			continue
		}
		if _, ok := nodes[edge.TargetID]; !ok {
			continue
		}
		raw, err := json.Marshal(edgeRecordFromRow(edge))
		if err != nil {
			return crdt.Snapshot{}, fmt.Errorf("marshal edge %s: %w", id, err)
		}
		snapshot.Edges[id] = raw
	}
	return snapshot, nil
}

type SaveStats struct {
	NodesCreated int
	NodesUpdated int
	NodesDeleted int
	EdgesCreated int
	EdgesUpdated int
	EdgesDeleted int
	// Entities in the document that could not be reconciled and were
	// dropped (unknown node type, dangling endpoint, malformed record).
	NodesDropped int
	EdgesDropped int
}

// Writes is the number of relational writes the save issued.
func (st SaveStats) Writes() int {
	return st.NodesCreated + st.NodesUpdated + st.NodesDeleted +
		st.EdgesCreated + st.EdgesUpdated + st.EdgesDeleted
}

// SaveGraph reconciles the study design's rows to match the document
// snapshot. Deletes run edges first, creates run nodes first, so foreign
// keys stay satisfied throughout. Row updates are skipped when values are
// identical, which makes an untouched load-save round trip write nothing.
func (s *Store) SaveGraph(ctx context.Context, studyDesignID string, snapshot crdt.Snapshot) (SaveStats, error) {
	var stats SaveStats

	design, err := s.GetStudyDesign(ctx, studyDesignID)
	if err != nil {
		return stats, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run := &saveRun{
		store:    s,
		tx:       tx,
		design:   design,
		snapshot: snapshot,
		stats:    &stats,
		types:    make(map[string]bool),
		orgs:     make(map[string]bool),
		res:      make(map[string]bool),
	}
	if run.nodesDB, err = loadNodes(ctx, tx, studyDesignID); err != nil {
		return stats, err
	}
	if run.edgesDB, err = loadEdges(ctx, tx, studyDesignID); err != nil {
		return stats, err
	}

	if err := run.deleteEdges(ctx); err != nil {
		return stats, err
	}
	if err := run.deleteNodes(ctx); err != nil {
		return stats, err
	}
	if err := run.createNodes(ctx); err != nil {
		return stats, err
	}
	if err := run.createEdges(ctx); err != nil {
		return stats, err
	}
	if err := run.updateNodes(ctx); err != nil {
		return stats, err
	}
	if err := run.updateEdges(ctx); err != nil {
		return stats, err
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit save tx: %w", err)
	}
	return stats, nil
}

// saveRun carries the working state of one reconciliation pass. nodesDB and
// edgesDB track what the relational side looks like as the pass mutates it.
type saveRun struct {
	store    *Store
	tx       *sql.Tx
	design   StudyDesign
	snapshot crdt.Snapshot
	stats    *SaveStats

	nodesDB map[string]Node
	edgesDB map[string]Edge

	created map[string]bool // entity ids inserted by this pass

	types map[string]bool // resolution caches
	orgs  map[string]bool
	res   map[string]bool
}

func (r *saveRun) deleteEdges(ctx context.Context) error {
	for _, id := range sortedKeys(r.edgesDB) {
		if _, ok := r.snapshot.Edges[id]; ok {
			continue
		}
		affected, err := execAffected(ctx, r.tx, `DELETE FROM study_design_edges WHERE id=$1`, id)
		if err != nil {
			return fmt.Errorf("delete edge %s: %w", id, err)
		}
		r.stats.EdgesDeleted += affected
		delete(r.edgesDB, id)
	}
	return nil
}

func (r *saveRun) deleteNodes(ctx context.Context) error {
	for _, id := range sortedKeys(r.nodesDB) {
		if _, ok := r.snapshot.Nodes[id]; ok {
			continue
		}
		affected, err := execAffected(ctx, r.tx, `DELETE FROM study_design_nodes WHERE id=$1`, id)
		if err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
		r.stats.NodesDeleted += affected
		delete(r.nodesDB, id)
	}
	// Node deletes cascade to edges that still referenced them; forget those
	// rows so later steps do not try to update them.
	for id, edge := range r.edgesDB {
		if _, ok := r.nodesDB[edge.SourceID]; !ok {
			delete(r.edgesDB, id)
			continue
		}
		if _, ok := r.nodesDB[edge.TargetID]; !ok {
			delete(r.edgesDB, id)
		}
	}
	return nil
}

func (r *saveRun) createNodes(ctx context.Context) error {
	r.created = make(map[string]bool)
	for _, id := range sortedKeys(r.snapshot.Nodes) {
		if _, ok := r.nodesDB[id]; ok {
			continue
		}
		record, err := parseNodeRecord(id, r.snapshot.Nodes[id])
		if err != nil {
			r.dropNode(id, err.Error())
			continue
		}
		typeOK, err := r.nodeTypeExists(ctx, record.Type)
		if err != nil {
			return err
		}
		if !typeOK {
			r.dropNode(id, fmt.Sprintf("unknown node type %s", record.Type))
			continue
		}
		org, err := r.resolveOrganisation(ctx, record.Data.Organisation)
		if err != nil {
			return err
		}
		resourceIDs, err := r.resolveResources(ctx, record)
		if err != nil {
			return err
		}

		_, err = r.tx.ExecContext(ctx, `
			INSERT INTO study_design_nodes (id, study_design_id, type_id, position_x, position_y, name, description, organisation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, r.design.ID, record.Type, record.roundedX(), record.roundedY(), record.Data.Name, record.Data.Description, org)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", id, err)
		}
		if err := r.insertResourceLinks(ctx, id, resourceIDs); err != nil {
			return err
		}
		r.stats.NodesCreated++
		r.created[id] = true
		r.nodesDB[id] = Node{
			ID:             id,
			StudyDesignID:  r.design.ID,
			TypeID:         record.Type,
			PositionX:      record.roundedX(),
			PositionY:      record.roundedY(),
			Name:           record.Data.Name,
			Description:    record.Data.Description,
			OrganisationID: org,
			ResourceIDs:    resourceIDs,
		}
	}
	return nil
}

func (r *saveRun) createEdges(ctx context.Context) error {
	pairs := make(map[string]string, len(r.edgesDB))
	for id, edge := range r.edgesDB {
		pairs[edge.SourceID+"\x00"+edge.TargetID] = id
	}

	for _, id := range sortedKeys(r.snapshot.Edges) {
		if _, ok := r.edgesDB[id]; ok {
			continue
		}
		record, err := parseEdgeRecord(id, r.snapshot.Edges[id])
		if err != nil {
			r.dropEdge(id, err.Error())
			continue
		}
		if _, ok := r.nodesDB[record.Source]; !ok {
			r.dropEdge(id, fmt.Sprintf("source node %s does not resolve", record.Source))
			continue
		}
		if _, ok := r.nodesDB[record.Target]; !ok {
			r.dropEdge(id, fmt.Sprintf("target node %s does not resolve", record.Target))
			continue
		}
		pair := record.Source + "\x00" + record.Target
		if other, taken := pairs[pair]; taken {
			r.dropEdge(id, fmt.Sprintf("duplicate of edge %s", other))
			continue
		}

		_, err = r.tx.ExecContext(ctx, `
			INSERT INTO study_design_edges (id, study_design_id, source_id, source_handle, target_id, target_handle)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, r.design.ID, record.Source, record.SourceHandle, record.Target, record.TargetHandle)
		if err != nil {
			return fmt.Errorf("insert edge %s: %w", id, err)
		}
		r.stats.EdgesCreated++
		r.created[id] = true
		pairs[pair] = id
		r.edgesDB[id] = Edge{
			ID:            id,
			StudyDesignID: r.design.ID,
			SourceID:      record.Source,
			SourceHandle:  record.SourceHandle,
			TargetID:      record.Target,
			TargetHandle:  record.TargetHandle,
		}
	}
	return nil
}

func (r *saveRun) updateNodes(ctx context.Context) error {
	for _, id := range sortedKeys(r.nodesDB) {
		if r.created[id] {
			continue
		}
		raw, ok := r.snapshot.Nodes[id]
		if !ok {
			continue
		}
		record, err := parseNodeRecord(id, raw)
		if err != nil {
			r.dropNode(id, err.Error())
			continue
		}
		typeOK, err := r.nodeTypeExists(ctx, record.Type)
		if err != nil {
			return err
		}
		if !typeOK {
			// Keep the existing row rather than point it at a type that
			// does not exist.
			r.dropNode(id, fmt.Sprintf("unknown node type %s", record.Type))
			continue
		}
		org, err := r.resolveOrganisation(ctx, record.Data.Organisation)
		if err != nil {
			return err
		}
		resourceIDs, err := r.resolveResources(ctx, record)
		if err != nil {
			return err
		}

		existing := r.nodesDB[id]
		fieldsEqual := existing.TypeID == record.Type &&
			existing.PositionX == record.roundedX() &&
			existing.PositionY == record.roundedY() &&
			existing.Name == record.Data.Name &&
			equalOptionalStrings(existing.Description, record.Data.Description) &&
			equalOptionalStrings(existing.OrganisationID, org)
		resourcesEqual := equalStringSlices(existing.ResourceIDs, resourceIDs)
		if fieldsEqual && resourcesEqual {
			continue
		}

		if !fieldsEqual {
			_, err = r.tx.ExecContext(ctx, `
				UPDATE study_design_nodes
				SET type_id=$1, position_x=$2, position_y=$3, name=$4, description=$5, organisation_id=$6
				WHERE id=$7
			`, record.Type, record.roundedX(), record.roundedY(), record.Data.Name, record.Data.Description, org, id)
			if err != nil {
				return fmt.Errorf("update node %s: %w", id, err)
			}
		}
		if !resourcesEqual {
			if _, err := r.tx.ExecContext(ctx, `DELETE FROM study_design_node_resources WHERE node_id=$1`, id); err != nil {
				return fmt.Errorf("clear node %s resources: %w", id, err)
			}
			if err := r.insertResourceLinks(ctx, id, resourceIDs); err != nil {
				return err
			}
		}
		r.stats.NodesUpdated++

		existing.TypeID = record.Type
		existing.PositionX = record.roundedX()
		existing.PositionY = record.roundedY()
		existing.Name = record.Data.Name
		existing.Description = record.Data.Description
		existing.OrganisationID = org
		existing.ResourceIDs = resourceIDs
		r.nodesDB[id] = existing
	}
	return nil
}

func (r *saveRun) updateEdges(ctx context.Context) error {
	pairs := make(map[string]string, len(r.edgesDB))
	for id, edge := range r.edgesDB {
		pairs[edge.SourceID+"\x00"+edge.TargetID] = id
	}

	for _, id := range sortedKeys(r.edgesDB) {
		if r.created[id] {
			continue
		}
		raw, ok := r.snapshot.Edges[id]
		if !ok {
			continue
		}
		record, err := parseEdgeRecord(id, raw)
		if err != nil {
			r.dropEdge(id, err.Error())
			continue
		}
		if _, ok := r.nodesDB[record.Source]; !ok {
			r.dropEdge(id, fmt.Sprintf("source node %s does not resolve", record.Source))
			continue
		}
		if _, ok := r.nodesDB[record.Target]; !ok {
			r.dropEdge(id, fmt.Sprintf("target node %s does not resolve", record.Target))
			continue
		}

		existing := r.edgesDB[id]
		if existing.SourceID == record.Source && existing.SourceHandle == record.SourceHandle &&
			existing.TargetID == record.Target && existing.TargetHandle == record.TargetHandle {
			continue
		}
		pair := record.Source + "\x00" + record.Target
		if other, taken := pairs[pair]; taken && other != id {
			r.dropEdge(id, fmt.Sprintf("duplicate of edge %s", other))
			continue
		}

		_, err = r.tx.ExecContext(ctx, `
			UPDATE study_design_edges
			SET source_id=$1, source_handle=$2, target_id=$3, target_handle=$4
			WHERE id=$5
		`, record.Source, record.SourceHandle, record.Target, record.TargetHandle, id)
		if err != nil {
			return fmt.Errorf("update edge %s: %w", id, err)
		}
		r.stats.EdgesUpdated++

		delete(pairs, existing.SourceID+"\x00"+existing.TargetID)
		pairs[pair] = id
		existing.SourceID = record.Source
		existing.SourceHandle = record.SourceHandle
		existing.TargetID = record.Target
		existing.TargetHandle = record.TargetHandle
		r.edgesDB[id] = existing
	}
	return nil
}

func (r *saveRun) dropNode(id, reason string) {
	r.stats.NodesDropped++
	r.store.logger.Warn().
		Str("study_design", r.design.ID).
		Str("node", id).
		Str("reason", reason).
		Msg("dropping node during reconciliation")
}

func (r *saveRun) dropEdge(id, reason string) {
	r.stats.EdgesDropped++
	r.store.logger.Debug().
		Str("study_design", r.design.ID).
		Str("edge", id).
		Str("reason", reason).
		Msg("dropping edge during reconciliation")
}

func (r *saveRun) nodeTypeExists(ctx context.Context, typeID string) (bool, error) {
	if ok, cached := r.types[typeID]; cached {
		return ok, nil
	}
	var exists bool
	err := r.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM study_design_node_types WHERE id=$1 AND site_id=$2)
	`, typeID, r.design.SiteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check node type %s: %w", typeID, err)
	}
	r.types[typeID] = exists
	return exists, nil
}

// resolveOrganisation maps an unresolved organisation reference to null.
func (r *saveRun) resolveOrganisation(ctx context.Context, orgID *string) (*string, error) {
	if orgID == nil || *orgID == "" {
		return nil, nil
	}
	exists, cached := r.orgs[*orgID]
	if !cached {
		err := r.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organisations WHERE id=$1)`, *orgID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check organisation %s: %w", *orgID, err)
		}
		r.orgs[*orgID] = exists
	}
	if !exists {
		return nil, nil
	}
	return orgID, nil
}

// resolveResources filters the record's resource references to ids that
// exist in the store, sorted.
func (r *saveRun) resolveResources(ctx context.Context, record NodeRecord) ([]string, error) {
	var ids []string
	for _, resourceID := range record.resourceIDs() {
		exists, cached := r.res[resourceID]
		if !cached {
			err := r.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM resources WHERE id=$1)`, resourceID).Scan(&exists)
			if err != nil {
				return nil, fmt.Errorf("check resource %s: %w", resourceID, err)
			}
			r.res[resourceID] = exists
		}
		if exists {
			ids = append(ids, resourceID)
		}
	}
	return ids, nil
}

func (r *saveRun) insertResourceLinks(ctx context.Context, nodeID string, resourceIDs []string) error {
	for _, resourceID := range resourceIDs {
		_, err := r.tx.ExecContext(ctx, `
			INSERT INTO study_design_node_resources (node_id, resource_id) VALUES ($1, $2)
		`, nodeID, resourceID)
		if err != nil {
			return fmt.Errorf("link node %s to resource %s: %w", nodeID, resourceID, err)
		}
	}
	return nil
}

func loadNodes(ctx context.Context, q querier, studyDesignID string) (map[string]Node, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, type_id, position_x, position_y, name, description, organisation_id
		FROM study_design_nodes WHERE study_design_id=$1
	`, studyDesignID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]Node)
	for rows.Next() {
		node := Node{StudyDesignID: studyDesignID}
		if err := rows.Scan(&node.ID, &node.TypeID, &node.PositionX, &node.PositionY, &node.Name, &node.Description, &node.OrganisationID); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes[node.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	rows.Close()

	linkRows, err := q.QueryContext(ctx, `
		SELECT nr.node_id, nr.resource_id
		FROM study_design_node_resources nr
		JOIN study_design_nodes n ON n.id = nr.node_id
		WHERE n.study_design_id=$1
		ORDER BY nr.resource_id
	`, studyDesignID)
	if err != nil {
		return nil, fmt.Errorf("load node resources: %w", err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var nodeID, resourceID string
		if err := linkRows.Scan(&nodeID, &resourceID); err != nil {
			return nil, fmt.Errorf("scan node resource: %w", err)
		}
		node := nodes[nodeID]
		node.ResourceIDs = append(node.ResourceIDs, resourceID)
		nodes[nodeID] = node
	}
	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("load node resources: %w", err)
	}
	return nodes, nil
}

// loadNodeResourceRefs returns each node's resources with their names, in
// the shape the document carries.
func loadNodeResourceRefs(ctx context.Context, q querier, studyDesignID string) (map[string][]ResourceRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT nr.node_id, r.id, r.name
		FROM study_design_node_resources nr
		JOIN resources r ON r.id = nr.resource_id
		JOIN study_design_nodes n ON n.id = nr.node_id
		WHERE n.study_design_id=$1
		ORDER BY r.id
	`, studyDesignID)
	if err != nil {
		return nil, fmt.Errorf("load resource refs: %w", err)
	}
	defer rows.Close()

	refs := make(map[string][]ResourceRef)
	for rows.Next() {
		var nodeID string
		var ref ResourceRef
		if err := rows.Scan(&nodeID, &ref.ID, &ref.Name); err != nil {
			return nil, fmt.Errorf("scan resource ref: %w", err)
		}
		refs[nodeID] = append(refs[nodeID], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load resource refs: %w", err)
	}
	return refs, nil
}

func loadEdges(ctx context.Context, q querier, studyDesignID string) (map[string]Edge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_id, source_handle, target_id, target_handle
		FROM study_design_edges WHERE study_design_id=$1
	`, studyDesignID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[string]Edge)
	for rows.Next() {
		edge := Edge{StudyDesignID: studyDesignID}
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.SourceHandle, &edge.TargetID, &edge.TargetHandle); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[edge.ID] = edge
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	return edges, nil
}

func execAffected(ctx context.Context, q querier, query string, args ...any) (int, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
