package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// ReportStore persists report schedules, generated reports, and the
// per-metric snapshot history behind anomaly flagging. Reports are
// immutable once written.
type ReportStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewReportStore creates a report store over db.
func NewReportStore(logger *zap.Logger, db *sql.DB) *ReportStore {
	return &ReportStore{logger: logger, db: db}
}

// CreateSchedule inserts a new report schedule.
func (s *ReportStore) CreateSchedule(ctx context.Context, sched *model.ReportSchedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_schedules (
			id, name, root_metric_id, cron_expression, webhook, is_active, last_run_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.RootMetricID, sched.CronExpression,
		sched.Webhook, sched.IsActive, nullTime(sched.LastRunAt), sched.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store report schedule: %w", err)
	}
	return nil
}

// UpdateSchedule writes back the full schedule record.
func (s *ReportStore) UpdateSchedule(ctx context.Context, sched *model.ReportSchedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules SET
			name = ?, root_metric_id = ?, cron_expression = ?, webhook = ?,
			is_active = ?, last_run_at = ?
		WHERE id = ?`,
		sched.Name, sched.RootMetricID, sched.CronExpression, sched.Webhook,
		sched.IsActive, nullTime(sched.LastRunAt), sched.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update report schedule: %w", err)
	}
	return requireAffected(res, "report schedule", sched.ID)
}

// UpdateLastRun stamps the schedule's last completed run.
func (s *ReportStore) UpdateLastRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE report_schedules SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last run: %w", err)
	}
	return requireAffected(res, "report schedule", id)
}

// GetSchedule retrieves a schedule by id.
func (s *ReportStore) GetSchedule(ctx context.Context, id string) (*model.ReportSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_metric_id, cron_expression, webhook, is_active, last_run_at, created_at
		FROM report_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report schedule %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan report schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns all schedules, newest first.
func (s *ReportStore) ListSchedules(ctx context.Context) ([]*model.ReportSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, root_metric_id, cron_expression, webhook, is_active, last_run_at, created_at
		FROM report_schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list report schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.ReportSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return schedules, nil
}

// DeleteSchedule removes a schedule. Generated reports are retained.
func (s *ReportStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM report_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report schedule: %w", err)
	}
	return requireAffected(res, "report schedule", id)
}

// SaveReport persists a generated report.
func (s *ReportStore) SaveReport(ctx context.Context, r *model.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}

	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal report data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, schedule_id, report_data, period_start, period_end, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduleID, string(data), r.PeriodStart, r.PeriodEnd, r.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// GetReport retrieves a generated report by id.
func (s *ReportStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var r model.Report
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, schedule_id, report_data, period_start, period_end, generated_at
		FROM reports WHERE id = ?`, id).Scan(
		&r.ID, &r.ScheduleID, &data, &r.PeriodStart, &r.PeriodEnd, &r.GeneratedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report data: %w", err)
	}
	return &r, nil
}

// ListReports returns the reports generated for a schedule, newest
// first. A limit of 0 returns all of them.
func (s *ReportStore) ListReports(ctx context.Context, scheduleID string, limit int) ([]*model.Report, error) {
	query := `
		SELECT id, schedule_id, report_data, period_start, period_end, generated_at
		FROM reports WHERE schedule_id = ? ORDER BY generated_at DESC`
	args := []interface{}{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		var r model.Report
		var data string
		if err := rows.Scan(&r.ID, &r.ScheduleID, &data, &r.PeriodStart, &r.PeriodEnd, &r.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report data: %w", err)
		}
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reports, nil
}

// AddSnapshot records a computed metric value for later anomaly checks.
func (s *ReportStore) AddSnapshot(ctx context.Context, snap *model.MetricSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_snapshots (id, metric_id, value, period, computed_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.MetricID, snap.Value, snap.Period, snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store metric snapshot: %w", err)
	}
	return nil
}

// ListSnapshotValues returns the most recent snapshot values for a
// metric, newest first.
func (s *ReportStore) ListSnapshotValues(ctx context.Context, metricID string, limit int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM metric_snapshots
		WHERE metric_id = ? ORDER BY computed_at DESC LIMIT ?`,
		metricID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric snapshots: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan metric snapshot: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return values, nil
}

func scanSchedule(row rowScanner) (*model.ReportSchedule, error) {
	var sched model.ReportSchedule
	var lastRun sql.NullTime
	err := row.Scan(
		&sched.ID, &sched.Name, &sched.RootMetricID, &sched.CronExpression,
		&sched.Webhook, &sched.IsActive, &lastRun, &sched.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	return &sched, nil
}
