package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// MetricStore persists metric nodes and their parent edges as a
// parent-pointer forest. Structural writes are serialized under a
// store-level lock; reads run concurrently. Readers never observe a
// transiently cyclic or orphaned tree.
type MetricStore struct {
	logger *zap.Logger
	db     *sql.DB
	mu     sync.RWMutex
}

// NewMetricStore creates a metric store over db.
func NewMetricStore(logger *zap.Logger, db *sql.DB) *MetricStore {
	return &MetricStore{logger: logger, db: db}
}

// Create inserts a new metric. An empty SortOrder is assigned the next
// free slot after the existing siblings; an explicit SortOrder that
// collides with a sibling is rejected.
func (s *MetricStore) Create(ctx context.Context, m *model.Metric) error {
	if m.Name == "" {
		return fmt.Errorf("%w: metric name is required", model.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ParentID != nil {
		if _, err := s.getLocked(ctx, *m.ParentID); err != nil {
			return fmt.Errorf("parent metric %s: %w", *m.ParentID, err)
		}
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if m.SortOrder == 0 {
		next, err := s.nextSortOrder(ctx, m.ParentID)
		if err != nil {
			return err
		}
		m.SortOrder = next
	} else if err := s.checkSortOrder(ctx, m.ParentID, m.SortOrder, m.ID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (
			id, name, description, dataset_id, sql_query, unit, sort_order, parent_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, m.DatasetID, m.SQLQuery, m.Unit, m.SortOrder,
		nullString(m.ParentID), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store metric: %w", err)
	}

	s.logger.Info("Created metric",
		zap.String("id", m.ID),
		zap.String("name", m.Name))
	return nil
}

// Update applies a partial update and returns the updated metric. A
// ParentID change is a reparent and is rejected when the new parent is
// the metric itself or one of its descendants; without an explicit
// SortOrder the moved metric is resequenced after its new siblings.
func (s *MetricStore) Update(ctx context.Context, id string, upd model.MetricUpdate) (*model.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, fmt.Errorf("%w: metric name is required", model.ErrValidation)
		}
		m.Name = *upd.Name
	}
	if upd.Description != nil {
		m.Description = *upd.Description
	}
	if upd.DatasetID != nil {
		m.DatasetID = *upd.DatasetID
	}
	if upd.SQLQuery != nil {
		m.SQLQuery = *upd.SQLQuery
	}
	if upd.Unit != nil {
		m.Unit = *upd.Unit
	}

	if upd.ParentID != nil {
		if *upd.ParentID == "" {
			m.ParentID = nil
		} else {
			newParent := *upd.ParentID
			if _, err := s.getLocked(ctx, newParent); err != nil {
				return nil, fmt.Errorf("parent metric %s: %w", newParent, err)
			}
			if err := s.checkNoCycle(ctx, id, newParent); err != nil {
				return nil, err
			}
			m.ParentID = &newParent
		}
	}

	switch {
	case upd.SortOrder != nil:
		m.SortOrder = *upd.SortOrder
		if err := s.checkSortOrder(ctx, m.ParentID, m.SortOrder, m.ID); err != nil {
			return nil, err
		}
	case upd.ParentID != nil:
		// A reparent without an explicit slot appends at the end of the
		// new sibling list, so a reparent alone can never collide.
		next, err := s.nextSortOrder(ctx, m.ParentID)
		if err != nil {
			return nil, err
		}
		m.SortOrder = next
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE metrics SET
			name = ?, description = ?, dataset_id = ?, sql_query = ?,
			unit = ?, sort_order = ?, parent_id = ?
		WHERE id = ?`,
		m.Name, m.Description, m.DatasetID, m.SQLQuery, m.Unit, m.SortOrder,
		nullString(m.ParentID), m.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update metric: %w", err)
	}
	return m, nil
}

// Delete removes a metric. Its children are reparented to the deleted
// node's parent (children of a deleted root become roots themselves)
// and resequenced after their new siblings, so no subtree is orphaned.
func (s *MetricStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}

	next, err := s.nextSortOrder(ctx, m.ParentID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM metrics WHERE parent_id = ? ORDER BY sort_order, name`, id)
	if err != nil {
		return fmt.Errorf("failed to list children: %w", err)
	}
	var childIDs []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan child id: %w", err)
		}
		childIDs = append(childIDs, cid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during row iteration: %w", err)
	}

	for i, cid := range childIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE metrics SET parent_id = ?, sort_order = ? WHERE id = ?`,
			nullString(m.ParentID), next+i, cid); err != nil {
			return fmt.Errorf("failed to reparent child %s: %w", cid, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete metric: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Info("Deleted metric",
		zap.String("id", id),
		zap.Int("reparented_children", len(childIDs)))
	return nil
}

// Get returns a single metric without its children populated.
func (s *MetricStore) Get(ctx context.Context, id string) (*model.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

// GetTree returns the full forest: all roots with children populated
// recursively, siblings ordered by sort_order then name.
func (s *MetricStore) GetTree(ctx context.Context) ([]*model.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arena, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return buildForest(arena), nil
}

// GetSubtree returns the metric with the given id together with all of
// its descendants, children populated recursively.
func (s *MetricStore) GetSubtree(ctx context.Context, id string) (*model.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arena, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	buildForest(arena)

	root, ok := arena[id]
	if !ok {
		return nil, fmt.Errorf("metric %s: %w", id, model.ErrNotFound)
	}
	return root, nil
}

func (s *MetricStore) getLocked(ctx context.Context, id string) (*model.Metric, error) {
	var m model.Metric
	var parentID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, dataset_id, sql_query, unit, sort_order, parent_id, created_at
		FROM metrics WHERE id = ?`, id).Scan(
		&m.ID, &m.Name, &m.Description, &m.DatasetID, &m.SQLQuery, &m.Unit,
		&m.SortOrder, &parentID, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("metric %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan metric: %w", err)
	}
	if parentID.Valid {
		m.ParentID = &parentID.String
	}
	return &m, nil
}

// checkNoCycle walks parent pointers from newParent up to the root and
// rejects the move if it encounters the moved node.
func (s *MetricStore) checkNoCycle(ctx context.Context, movedID, newParentID string) error {
	current := newParentID
	for {
		if current == movedID {
			return model.ErrCyclicReparent
		}
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_id FROM metrics WHERE id = ?`, current).Scan(&parent)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to walk ancestors: %w", err)
		}
		if !parent.Valid {
			return nil
		}
		current = parent.String
	}
}

func (s *MetricStore) checkSortOrder(ctx context.Context, parentID *string, order int, selfID string) error {
	var count int
	var err error
	if parentID == nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM metrics WHERE parent_id IS NULL AND sort_order = ? AND id != ?`,
			order, selfID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM metrics WHERE parent_id = ? AND sort_order = ? AND id != ?`,
			*parentID, order, selfID).Scan(&count)
	}
	if err != nil {
		return fmt.Errorf("failed to check sort order: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: sort_order %d already used by a sibling", model.ErrValidation, order)
	}
	return nil
}

func (s *MetricStore) nextSortOrder(ctx context.Context, parentID *string) (int, error) {
	var max sql.NullInt64
	var err error
	if parentID == nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM metrics WHERE parent_id IS NULL`).Scan(&max)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM metrics WHERE parent_id = ?`, *parentID).Scan(&max)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute sort order: %w", err)
	}
	return int(max.Int64) + 1, nil
}

func (s *MetricStore) loadAll(ctx context.Context) (map[string]*model.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, dataset_id, sql_query, unit, sort_order, parent_id, created_at
		FROM metrics`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	arena := make(map[string]*model.Metric)
	for rows.Next() {
		var m model.Metric
		var parentID sql.NullString
		if err := rows.Scan(
			&m.ID, &m.Name, &m.Description, &m.DatasetID, &m.SQLQuery, &m.Unit,
			&m.SortOrder, &parentID, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		if parentID.Valid {
			m.ParentID = &parentID.String
		}
		arena[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return arena, nil
}

// buildForest links children into their parents and returns the sorted
// roots. The arena nodes are mutated in place.
func buildForest(arena map[string]*model.Metric) []*model.Metric {
	var roots []*model.Metric
	for _, m := range arena {
		if m.ParentID == nil {
			roots = append(roots, m)
			continue
		}
		parent, ok := arena[*m.ParentID]
		if !ok {
			// Dangling parent pointer; surface the node as a root
			// rather than dropping it.
			roots = append(roots, m)
			continue
		}
		parent.Children = append(parent.Children, m)
	}

	sortSiblings(roots)
	for _, m := range arena {
		sortSiblings(m.Children)
	}
	return roots
}

func sortSiblings(nodes []*model.Metric) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].Name < nodes[j].Name
	})
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
