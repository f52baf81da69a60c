package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// SQLEngine runs analytic queries through database/sql against a
// registry of named datasets. Each dataset is an independently opened
// database handle, SQLite files by default.
type SQLEngine struct {
	logger *zap.Logger

	mu       sync.RWMutex
	datasets map[string]*sql.DB
}

// NewSQLEngine creates an engine with an empty dataset registry.
func NewSQLEngine(logger *zap.Logger) *SQLEngine {
	return &SQLEngine{
		logger:   logger,
		datasets: make(map[string]*sql.DB),
	}
}

// Register opens the given driver/DSN pair and binds it to datasetID.
// Re-registering an id replaces the previous handle.
func (e *SQLEngine) Register(datasetID, driver, dsn string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: dataset id is required", model.ErrValidation)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open dataset %s: %w", datasetID, err)
	}

	e.mu.Lock()
	if old, ok := e.datasets[datasetID]; ok {
		old.Close()
	}
	e.datasets[datasetID] = db
	e.mu.Unlock()

	e.logger.Info("Registered dataset",
		zap.String("dataset_id", datasetID),
		zap.String("driver", driver))
	return nil
}

// Execute implements Engine.
func (e *SQLEngine) Execute(ctx context.Context, datasetID, query string) (*Result, error) {
	e.mu.RLock()
	db, ok := e.datasets[datasetID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown dataset %s", model.ErrUpstreamEngine, datasetID)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamEngine, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamEngine, err)
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrUpstreamEngine, err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamEngine, err)
	}
	return result, nil
}

// Exists implements DatasetStore.
func (e *SQLEngine) Exists(ctx context.Context, datasetID string) (bool, error) {
	e.mu.RLock()
	_, ok := e.datasets[datasetID]
	e.mu.RUnlock()
	return ok, nil
}

// Close closes all registered dataset handles.
func (e *SQLEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, db := range e.datasets {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close dataset %s: %w", id, err)
		}
		delete(e.datasets, id)
	}
	return firstErr
}
