package model

import "time"

// Metric represents a named, hierarchically placed definition of a
// computable quantity, bound to a dataset and a SQL query. A metric with
// no dataset or query is a valid organizational placeholder; computing it
// yields a typed error result instead of a value.
type Metric struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DatasetID   string    `json:"dataset_id,omitempty"`
	SQLQuery    string    `json:"sql_query,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	SortOrder   int       `json:"sort_order"`
	ParentID    *string   `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// Children is derived from parent edges on read; it is never stored.
	Children []*Metric `json:"children,omitempty"`
}

// MetricUpdate describes a partial update of a metric. Nil fields are
// left unchanged. A non-nil ParentID pointing at an empty string moves
// the metric to the root level.
type MetricUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	DatasetID   *string `json:"dataset_id,omitempty"`
	SQLQuery    *string `json:"sql_query,omitempty"`
	Unit        *string `json:"unit,omitempty"`
	SortOrder   *int    `json:"sort_order,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
}

// MetricComputeResult is the ephemeral outcome of computing a single
// metric. Value is nil when the query returned no rows or the metric
// could not be computed; Error carries the reason in the latter case.
type MetricComputeResult struct {
	MetricID   string   `json:"metric_id"`
	MetricName string   `json:"metric_name"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Error      string   `json:"error,omitempty"`
}
