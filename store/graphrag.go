package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CommunitySummary represents a row in the community_summaries table —
// the per-community report consumed by Global Search.
type CommunitySummary struct {
	CommunityID int64    `json:"community_id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	KeyEntities []string `json:"key_entities"`
	Occurrence  float64  `json:"occurrence"`
	Rank        int      `json:"rank"`
}

// WeightedCommunityReport is a CommunitySummary joined with its owning
// community, as consumed by Global Search's context-selection phase.
type WeightedCommunityReport struct {
	CommunitySummary
	Level     int
	ClusterID int
	Members   []string
}

// UpsertCommunitySummary stores (or replaces) the report for a community.
func (s *Store) UpsertCommunitySummary(ctx context.Context, cs CommunitySummary) error {
	keyEntitiesJSON, err := json.Marshal(cs.KeyEntities)
	if err != nil {
		return fmt.Errorf("marshaling key_entities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO community_summaries (community_id, title, summary, key_entities, occurrence, rank)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			key_entities = excluded.key_entities,
			occurrence = excluded.occurrence,
			rank = excluded.rank
	`, cs.CommunityID, cs.Title, cs.Summary, string(keyEntitiesJSON), cs.Occurrence, cs.Rank)
	return err
}

// AllCommunityReports returns every community joined with its summary,
// ranked descending by rank, for Global Search context selection (§4.8
// Phase 1). Communities with no summary yet are skipped.
func (s *Store) AllCommunityReports(ctx context.Context, minRank int) ([]WeightedCommunityReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.level, c.cluster_id, c.entity_ids,
			s.title, s.summary, s.key_entities, s.occurrence, s.rank
		FROM communities c
		JOIN community_summaries s ON s.community_id = c.id
		WHERE s.rank >= ?
		ORDER BY s.rank DESC, c.id ASC
	`, minRank)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []WeightedCommunityReport
	for rows.Next() {
		var r WeightedCommunityReport
		var entityIDsJSON, keyEntitiesJSON string
		if err := rows.Scan(&r.CommunityID, &r.Level, &r.ClusterID, &entityIDsJSON,
			&r.Title, &r.Summary, &keyEntitiesJSON, &r.Occurrence, &r.Rank); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(entityIDsJSON), &r.Members)
		_ = json.Unmarshal([]byte(keyEntitiesJSON), &r.KeyEntities)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Entity vector index (role "entity") ---

// InsertEntityEmbedding stores a vector embedding for an entity's name.
func (s *Store) InsertEntityEmbedding(ctx context.Context, entityID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
		entityID, serializeFloat32(embedding))
	return err
}

// VectorSearchEntities performs a KNN search over the entity vector index,
// returning the top-k nearest Entities (§4.6 "entity" index, §4.7 step 1).
func (s *Store) VectorSearchEntities(ctx context.Context, queryEmbedding []float32, k int) ([]Entity, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.name_en, e.entity_type, e.description, e.metadata
		FROM vec_entities v
		JOIN entities e ON e.id = v.entity_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if errIsNoSuchTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var nameEN, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &nameEN, &e.EntityType, &e.Description, &metadata); err != nil {
			return nil, err
		}
		e.NameEN = nameEN.String
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Community vector index (role "community") ---

// InsertCommunityEmbedding stores a vector embedding for a community summary.
func (s *Store) InsertCommunityEmbedding(ctx context.Context, communityID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_communities (community_id, embedding) VALUES (?, ?)",
		communityID, serializeFloat32(embedding))
	return err
}

// VectorSearchCommunities performs a KNN search over the community vector
// index, returning up to k WeightedCommunityReports (§4.8 Phase 1).
func (s *Store) VectorSearchCommunities(ctx context.Context, queryEmbedding []float32, k int) ([]WeightedCommunityReport, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.level, c.cluster_id, c.entity_ids,
			s.title, s.summary, s.key_entities, s.occurrence, s.rank
		FROM vec_communities v
		JOIN communities c ON c.id = v.community_id
		JOIN community_summaries s ON s.community_id = c.id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if errIsNoSuchTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []WeightedCommunityReport
	for rows.Next() {
		var r WeightedCommunityReport
		var entityIDsJSON, keyEntitiesJSON string
		if err := rows.Scan(&r.CommunityID, &r.Level, &r.ClusterID, &entityIDsJSON,
			&r.Title, &r.Summary, &keyEntitiesJSON, &r.Occurrence, &r.Rank); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(entityIDsJSON), &r.Members)
		_ = json.Unmarshal([]byte(keyEntitiesJSON), &r.KeyEntities)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Processed file dedup (C11 steps 1/2/8, P1/P2) ---

// ProcessedHashes returns the set of known path -> content_hash pairs,
// used by the Ingestion Orchestrator to skip unchanged inputs.
func (s *Store) ProcessedHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, content_hash FROM processed_files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		out[path] = hash
	}
	return out, rows.Err()
}

// MarkProcessed records that path has been ingested at content_hash.
func (s *Store) MarkProcessed(ctx context.Context, path, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_files (path, content_hash) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, processed_at = CURRENT_TIMESTAMP
	`, path, contentHash)
	return err
}

// errIsNoSuchTable reports whether err is a sqlite "no such table" error —
// treated as an empty result (NotFoundError, §7) rather than surfaced,
// since an index may legitimately not exist yet (§4.7 "missing entity
// index returns empty results").
func errIsNoSuchTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return len(msg) > 0 && (containsNoSuchTable(msg))
}

func containsNoSuchTable(msg string) bool {
	const needle = "no such table"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
