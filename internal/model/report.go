package model

import "time"

// ReportSchedule is a named cron schedule that snapshots the subtree
// rooted at RootMetricID into a Report on each firing.
type ReportSchedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	RootMetricID   string     `json:"root_metric_id"`
	CronExpression string     `json:"cron_expression"`
	Webhook        string     `json:"webhook,omitempty"`
	IsActive       bool       `json:"is_active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ReportScheduleUpdate describes a partial user edit of a report
// schedule. Nil fields are left unchanged.
type ReportScheduleUpdate struct {
	Name           *string `json:"name,omitempty"`
	CronExpression *string `json:"cron_expression,omitempty"`
	Webhook        *string `json:"webhook,omitempty"`
	IsActive       *bool   `json:"is_active,omitempty"`
}

// ReportNode is one node of a report's snapshot tree. It mirrors the
// metric tree shape at generation time, annotated with the node's
// computed value or failure. PreviousValue, Delta and PctChange compare
// against the metric's most recent snapshot; they are nil on a metric's
// first successful run. A node's error never aborts its siblings.
type ReportNode struct {
	MetricID      string        `json:"metric_id"`
	MetricName    string        `json:"metric_name"`
	Unit          string        `json:"unit,omitempty"`
	Value         *float64      `json:"value"`
	PreviousValue *float64      `json:"previous_value,omitempty"`
	Delta         *float64      `json:"delta,omitempty"`
	PctChange     *float64      `json:"pct_change,omitempty"`
	Error         string        `json:"error,omitempty"`
	IsAnomaly     bool          `json:"is_anomaly,omitempty"`
	Children      []*ReportNode `json:"children,omitempty"`
}

// Report is an immutable point-in-time snapshot of a metric subtree.
type Report struct {
	ID          string      `json:"id"`
	ScheduleID  string      `json:"schedule_id"`
	Data        *ReportNode `json:"report_data"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// MetricSnapshot records a single computed value for a metric, written
// once per successful report-walk visit. Snapshots feed the anomaly
// check applied to later report runs.
type MetricSnapshot struct {
	ID         string    `json:"id"`
	MetricID   string    `json:"metric_id"`
	Value      float64   `json:"value"`
	Period     string    `json:"period"`
	ComputedAt time.Time `json:"computed_at"`
}
