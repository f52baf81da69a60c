package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

func newTestReportStore(t *testing.T) *ReportStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := zap.NewDevelopment()
	return NewReportStore(logger, db)
}

func TestReportStore_ScheduleCRUD(t *testing.T) {
	s := newTestReportStore(t)
	ctx := context.Background()

	sched := &model.ReportSchedule{
		Name:           "Monthly KPI",
		RootMetricID:   "m1",
		CronExpression: "0 9 1 * *",
		IsActive:       true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	require.NotEmpty(t, sched.ID)

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, "Monthly KPI", got.Name)
	require.Nil(t, got.LastRunAt)

	got.Name = "Weekly KPI"
	got.CronExpression = "0 9 * * 1"
	require.NoError(t, s.UpdateSchedule(ctx, got))

	updated, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, "Weekly KPI", updated.Name)

	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))
	_, err = s.GetSchedule(ctx, sched.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestReportStore_UpdateLastRun(t *testing.T) {
	s := newTestReportStore(t)
	ctx := context.Background()

	sched := &model.ReportSchedule{
		Name: "r", RootMetricID: "m1", CronExpression: "0 9 1 * *",
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	at := time.Now().UTC()
	require.NoError(t, s.UpdateLastRun(ctx, sched.ID, at))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.WithinDuration(t, at, *got.LastRunAt, time.Second)
}

func TestReportStore_SaveAndGetReport(t *testing.T) {
	s := newTestReportStore(t)
	ctx := context.Background()

	value := 42.0
	report := &model.Report{
		ScheduleID: "s1",
		Data: &model.ReportNode{
			MetricID:   "m1",
			MetricName: "root",
			Value:      &value,
			Children: []*model.ReportNode{
				{MetricID: "m2", MetricName: "leaf", Error: "bad SQL"},
			},
		},
		PeriodStart: time.Now().UTC().Add(-24 * time.Hour),
		PeriodEnd:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveReport(ctx, report))
	require.NotEmpty(t, report.ID)

	got, err := s.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Equal(t, "root", got.Data.MetricName)
	require.NotNil(t, got.Data.Value)
	require.Equal(t, 42.0, *got.Data.Value)
	require.Len(t, got.Data.Children, 1)
	require.Equal(t, "bad SQL", got.Data.Children[0].Error)

	reports, err := s.ListReports(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestReportStore_Snapshots(t *testing.T) {
	s := newTestReportStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, v := range []float64{10, 20, 30} {
		require.NoError(t, s.AddSnapshot(ctx, &model.MetricSnapshot{
			MetricID:   "m1",
			Value:      v,
			Period:     base.Format(time.RFC3339),
			ComputedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	values, err := s.ListSnapshotValues(ctx, "m1", 2)
	require.NoError(t, err)
	require.Equal(t, []float64{30, 20}, values)

	none, err := s.ListSnapshotValues(ctx, "other", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}
