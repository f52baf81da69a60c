package engine

import "context"

// Result is the tabular outcome of an analytic query.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Engine executes SQL against the analytic store backing a dataset.
// Implementations are external collaborators of the monitoring core.
type Engine interface {
	// Execute runs sql scoped to the dataset and returns the tabular
	// result, or an error for a bad query or missing dataset.
	Execute(ctx context.Context, datasetID, sql string) (*Result, error)
}

// DatasetStore answers dataset existence checks.
type DatasetStore interface {
	Exists(ctx context.Context, datasetID string) (bool, error)
}
