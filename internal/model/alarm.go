package model

import "time"

// AlarmOperator is the comparison applied between a computed metric
// value and an alarm threshold.
type AlarmOperator string

const (
	AlarmOperatorGT  AlarmOperator = "gt"
	AlarmOperatorGTE AlarmOperator = "gte"
	AlarmOperatorLT  AlarmOperator = "lt"
	AlarmOperatorLTE AlarmOperator = "lte"
	AlarmOperatorEQ  AlarmOperator = "eq"
)

// Valid reports whether op is a known comparison operator.
func (op AlarmOperator) Valid() bool {
	switch op {
	case AlarmOperatorGT, AlarmOperatorGTE, AlarmOperatorLT, AlarmOperatorLTE, AlarmOperatorEQ:
		return true
	}
	return false
}

// Compare evaluates `value op threshold`.
func (op AlarmOperator) Compare(value, threshold float64) bool {
	switch op {
	case AlarmOperatorGT:
		return value > threshold
	case AlarmOperatorGTE:
		return value >= threshold
	case AlarmOperatorLT:
		return value < threshold
	case AlarmOperatorLTE:
		return value <= threshold
	case AlarmOperatorEQ:
		return value == threshold
	}
	return false
}

// AlarmStatus represents the current state of an alarm's state machine.
type AlarmStatus string

const (
	AlarmStatusOK        AlarmStatus = "ok"
	AlarmStatusTriggered AlarmStatus = "triggered"
	AlarmStatusError     AlarmStatus = "error"
)

// Alarm is a standing threshold check on a single metric. Status,
// LastValue and LastCheckedAt are mutated only by the evaluator; the
// remaining fields only by explicit user edits.
type Alarm struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	MetricID      string        `json:"metric_id"`
	Operator      AlarmOperator `json:"operator"`
	Threshold     float64       `json:"threshold"`
	CheckInterval int           `json:"check_interval"` // seconds
	Webhook       string        `json:"webhook,omitempty"`
	IsActive      bool          `json:"is_active"`
	Status        AlarmStatus   `json:"status"`
	LastValue     *float64      `json:"last_value,omitempty"`
	LastCheckedAt *time.Time    `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AlarmEventType classifies an entry in an alarm's audit trail.
type AlarmEventType string

const (
	AlarmEventTriggered AlarmEventType = "triggered"
	AlarmEventResolved  AlarmEventType = "resolved"
	AlarmEventError     AlarmEventType = "error"
)

// AlarmEvent is an append-only audit record of an alarm state
// transition. Threshold captures the configured threshold at evaluation
// time so the trail stays meaningful after the alarm is edited.
type AlarmEvent struct {
	ID          string         `json:"id"`
	AlarmID     string         `json:"alarm_id"`
	EventType   AlarmEventType `json:"event_type"`
	MetricValue *float64       `json:"metric_value,omitempty"`
	Threshold   float64        `json:"threshold"`
	Message     string         `json:"message"`
	SentAt      time.Time      `json:"sent_at"`
}

// AlarmUpdate describes a partial user edit of an alarm. Nil fields are
// left unchanged.
type AlarmUpdate struct {
	Name          *string        `json:"name,omitempty"`
	Operator      *AlarmOperator `json:"operator,omitempty"`
	Threshold     *float64       `json:"threshold,omitempty"`
	CheckInterval *int           `json:"check_interval,omitempty"`
	Webhook       *string        `json:"webhook,omitempty"`
	IsActive      *bool          `json:"is_active,omitempty"`
}
