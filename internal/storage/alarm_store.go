package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// AlarmStore persists alarm definitions and their append-only event
// trail. Events are immutable once written; the store exposes no update
// or delete for them.
type AlarmStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAlarmStore creates an alarm store over db.
func NewAlarmStore(logger *zap.Logger, db *sql.DB) *AlarmStore {
	return &AlarmStore{logger: logger, db: db}
}

// Create inserts a new alarm. New alarms start in status ok with no
// recorded check.
func (s *AlarmStore) Create(ctx context.Context, a *model.Alarm) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AlarmStatusOK
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (
			id, name, metric_id, operator, threshold, check_interval,
			webhook, is_active, status, last_value, last_checked_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.MetricID, string(a.Operator), a.Threshold, a.CheckInterval,
		a.Webhook, a.IsActive, string(a.Status),
		nullFloat(a.LastValue), nullTime(a.LastCheckedAt), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alarm: %w", err)
	}
	return nil
}

// Update writes back the full alarm record.
func (s *AlarmStore) Update(ctx context.Context, a *model.Alarm) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alarms SET
			name = ?, metric_id = ?, operator = ?, threshold = ?,
			check_interval = ?, webhook = ?, is_active = ?, status = ?,
			last_value = ?, last_checked_at = ?
		WHERE id = ?`,
		a.Name, a.MetricID, string(a.Operator), a.Threshold,
		a.CheckInterval, a.Webhook, a.IsActive, string(a.Status),
		nullFloat(a.LastValue), nullTime(a.LastCheckedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alarm: %w", err)
	}
	return requireAffected(res, "alarm", a.ID)
}

// UpdateStatus writes the evaluator-owned fields only.
func (s *AlarmStore) UpdateStatus(ctx context.Context, id string, status model.AlarmStatus, lastValue *float64, lastCheckedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alarms SET status = ?, last_value = ?, last_checked_at = ? WHERE id = ?`,
		string(status), nullFloat(lastValue), lastCheckedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update alarm status: %w", err)
	}
	return requireAffected(res, "alarm", id)
}

// Get retrieves an alarm by id.
func (s *AlarmStore) Get(ctx context.Context, id string) (*model.Alarm, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, metric_id, operator, threshold, check_interval,
			webhook, is_active, status, last_value, last_checked_at, created_at
		FROM alarms WHERE id = ?`, id)
	a, err := scanAlarm(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alarm %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alarm: %w", err)
	}
	return a, nil
}

// List returns all alarms, newest first.
func (s *AlarmStore) List(ctx context.Context) ([]*model.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, metric_id, operator, threshold, check_interval,
			webhook, is_active, status, last_value, last_checked_at, created_at
		FROM alarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()

	var alarms []*model.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alarms, nil
}

// ListActive returns the alarms whose timers should be running.
func (s *AlarmStore) ListActive(ctx context.Context) ([]*model.Alarm, error) {
	alarms, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	active := alarms[:0]
	for _, a := range alarms {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active, nil
}

// Delete removes an alarm. Its event trail is retained for audit.
func (s *AlarmStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alarm: %w", err)
	}
	return requireAffected(res, "alarm", id)
}

// AppendEvent appends an immutable event to an alarm's audit trail.
func (s *AlarmStore) AppendEvent(ctx context.Context, e *model.AlarmEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarm_events (id, alarm_id, event_type, metric_value, threshold, message, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AlarmID, string(e.EventType), nullFloat(e.MetricValue),
		e.Threshold, e.Message, e.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alarm event: %w", err)
	}
	return nil
}

// ListEvents returns an alarm's events, newest first. A limit of 0
// returns the whole trail.
func (s *AlarmStore) ListEvents(ctx context.Context, alarmID string, limit int) ([]*model.AlarmEvent, error) {
	query := `
		SELECT id, alarm_id, event_type, metric_value, threshold, message, sent_at
		FROM alarm_events WHERE alarm_id = ? ORDER BY sent_at DESC`
	args := []interface{}{alarmID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarm events: %w", err)
	}
	defer rows.Close()

	var events []*model.AlarmEvent
	for rows.Next() {
		var e model.AlarmEvent
		var value sql.NullFloat64
		var eventType string
		if err := rows.Scan(&e.ID, &e.AlarmID, &eventType, &value, &e.Threshold, &e.Message, &e.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}
		e.EventType = model.AlarmEventType(eventType)
		if value.Valid {
			e.MetricValue = &value.Float64
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlarm(row rowScanner) (*model.Alarm, error) {
	var a model.Alarm
	var operator, status string
	var lastValue sql.NullFloat64
	var lastChecked sql.NullTime
	err := row.Scan(
		&a.ID, &a.Name, &a.MetricID, &operator, &a.Threshold, &a.CheckInterval,
		&a.Webhook, &a.IsActive, &status, &lastValue, &lastChecked, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Operator = model.AlarmOperator(operator)
	a.Status = model.AlarmStatus(status)
	if lastValue.Valid {
		a.LastValue = &lastValue.Float64
	}
	if lastChecked.Valid {
		a.LastCheckedAt = &lastChecked.Time
	}
	return &a, nil
}

func requireAffected(res sql.Result, entity, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, model.ErrNotFound)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
