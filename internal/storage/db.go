package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database at path and creates the schema if it
// does not exist. All stores share the returned handle.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The handle is shared by stores that serialize writes themselves;
	// a single connection keeps SQLite's own locking out of the way.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS metrics (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		dataset_id TEXT NOT NULL DEFAULT '',
		sql_query TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_parent_id ON metrics(parent_id);

	CREATE TABLE IF NOT EXISTS alarms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		metric_id TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold REAL NOT NULL,
		check_interval INTEGER NOT NULL,
		webhook TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'ok',
		last_value REAL,
		last_checked_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alarms_metric_id ON alarms(metric_id);

	CREATE TABLE IF NOT EXISTS alarm_events (
		id TEXT PRIMARY KEY,
		alarm_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		metric_value REAL,
		threshold REAL NOT NULL,
		message TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alarm_events_alarm_id ON alarm_events(alarm_id);
	CREATE INDEX IF NOT EXISTS idx_alarm_events_sent_at ON alarm_events(sent_at);

	CREATE TABLE IF NOT EXISTS report_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_metric_id TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		webhook TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_run_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		report_data TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		generated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_schedule_id ON reports(schedule_id);

	CREATE TABLE IF NOT EXISTS metric_snapshots (
		id TEXT PRIMARY KEY,
		metric_id TEXT NOT NULL,
		value REAL NOT NULL,
		period TEXT NOT NULL,
		computed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metric_snapshots_metric_id ON metric_snapshots(metric_id);
`
