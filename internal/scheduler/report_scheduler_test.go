package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/compute"
	"github.com/shaunzlim0123/query-pilot/internal/engine"
	"github.com/shaunzlim0123/query-pilot/internal/model"
	"github.com/shaunzlim0123/query-pilot/internal/storage"
	"github.com/shaunzlim0123/query-pilot/internal/testutil"
)

// fakeEngine answers each query from a mutable per-query value map, so a
// report walk over several metrics sees distinct values.
type fakeEngine struct {
	mu     sync.Mutex
	values map[string]float64
	errs   map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{values: make(map[string]float64), errs: make(map[string]error)}
}

func (f *fakeEngine) set(query string, value float64) {
	f.mu.Lock()
	f.values[query] = value
	f.mu.Unlock()
}

func (f *fakeEngine) fail(query string, err error) {
	f.mu.Lock()
	f.errs[query] = err
	f.mu.Unlock()
}

func (f *fakeEngine) Execute(ctx context.Context, datasetID, query string) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[query]; ok {
		return nil, err
	}
	return &engine.Result{Columns: []string{"value"}, Rows: [][]any{{f.values[query]}}}, nil
}

type schedulerRig struct {
	scheduler *ReportScheduler
	reports   *storage.ReportStore
	metrics   *storage.MetricStore
	engine    *fakeEngine
	root      *model.Metric
	childA    *model.Metric
	childB    *model.Metric
}

// newSchedulerRig builds a three-node tree: root "Revenue" with two
// children, one of which has no SQL bound.
func newSchedulerRig(t *testing.T) *schedulerRig {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)
	ctx := context.Background()

	eng := newFakeEngine()
	metrics := storage.NewMetricStore(logger, db)
	reports := storage.NewReportStore(logger, db)
	sched := NewReportScheduler(logger, reports, metrics,
		compute.New(logger, eng, 4), nil, nil)

	root := &model.Metric{Name: "Revenue", DatasetID: "sales", SQLQuery: "SELECT total"}
	require.NoError(t, metrics.Create(ctx, root))
	childA := &model.Metric{Name: "EU revenue", DatasetID: "sales", SQLQuery: "SELECT eu", ParentID: &root.ID}
	require.NoError(t, metrics.Create(ctx, childA))
	childB := &model.Metric{Name: "Draft metric", ParentID: &root.ID}
	require.NoError(t, metrics.Create(ctx, childB))

	eng.set("SELECT total", 150)
	eng.set("SELECT eu", 90)

	return &schedulerRig{
		scheduler: sched,
		reports:   reports,
		metrics:   metrics,
		engine:    eng,
		root:      root,
		childA:    childA,
		childB:    childB,
	}
}

func (r *schedulerRig) createSchedule(t *testing.T) *model.ReportSchedule {
	t.Helper()
	sched := &model.ReportSchedule{
		Name:           "Weekly revenue",
		RootMetricID:   r.root.ID,
		CronExpression: "0 9 * * 1",
	}
	require.NoError(t, r.scheduler.CreateSchedule(context.Background(), sched))
	return sched
}

func TestRunNow_BuildsSnapshotTree(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	report, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.NotEmpty(t, report.ID)

	require.Equal(t, "Revenue", report.Data.MetricName)
	require.NotNil(t, report.Data.Value)
	require.Equal(t, 150.0, *report.Data.Value)
	require.Len(t, report.Data.Children, 2)

	eu := report.Data.Children[0]
	require.Equal(t, "EU revenue", eu.MetricName)
	require.NotNil(t, eu.Value)
	require.Equal(t, 90.0, *eu.Value)

	// A node without SQL fails in place without aborting the run.
	draft := report.Data.Children[1]
	require.Equal(t, "Draft metric", draft.MetricName)
	require.Nil(t, draft.Value)
	require.Equal(t, "no SQL query defined for this metric", draft.Error)

	// The report is persisted and the schedule stamped.
	stored, err := r.scheduler.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Equal(t, sched.ID, stored.ScheduleID)

	got, err := r.scheduler.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
}

func TestRunNow_PeriodBoundaries(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	// First run covers creation time to now.
	first, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.WithinDuration(t, sched.CreatedAt, first.PeriodStart, time.Second)

	time.Sleep(10 * time.Millisecond)

	// The next run starts where the previous one ended.
	second, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, first.PeriodEnd.Unix(), second.PeriodStart.Unix())
	require.True(t, second.PeriodEnd.After(second.PeriodStart) || second.PeriodEnd.Equal(second.PeriodStart))

	reports, err := r.scheduler.ListReports(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, reports, 2)
}

func TestRunNow_MissingRootFailsRun(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	require.NoError(t, r.metrics.Delete(ctx, r.root.ID))

	_, err := r.scheduler.RunNow(ctx, sched.ID)
	require.ErrorIs(t, err, model.ErrNotFound)

	// The schedule is untouched by the failed run.
	got, err := r.scheduler.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastRunAt)
}

func TestCreateSchedule_Validation(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()

	base := func() *model.ReportSchedule {
		return &model.ReportSchedule{
			Name:           "Weekly revenue",
			RootMetricID:   r.root.ID,
			CronExpression: "0 9 * * 1",
		}
	}

	sched := base()
	sched.Name = ""
	require.ErrorIs(t, r.scheduler.CreateSchedule(ctx, sched), model.ErrValidation)

	sched = base()
	sched.CronExpression = "every monday"
	require.ErrorIs(t, r.scheduler.CreateSchedule(ctx, sched), model.ErrValidation)

	sched = base()
	sched.CronExpression = "0 9 * * 1 2020"
	require.ErrorIs(t, r.scheduler.CreateSchedule(ctx, sched), model.ErrValidation)

	sched = base()
	sched.RootMetricID = "no-such-metric"
	require.ErrorIs(t, r.scheduler.CreateSchedule(ctx, sched), model.ErrNotFound)
}

func TestUpdateSchedule_Partial(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	expr := "30 8 * * *"
	active := true
	got, err := r.scheduler.UpdateSchedule(ctx, sched.ID, model.ReportScheduleUpdate{
		CronExpression: &expr,
		IsActive:       &active,
	})
	require.NoError(t, err)
	require.Equal(t, "30 8 * * *", got.CronExpression)
	require.True(t, got.IsActive)
	require.Equal(t, "Weekly revenue", got.Name)

	bad := "not cron"
	_, err = r.scheduler.UpdateSchedule(ctx, sched.ID, model.ReportScheduleUpdate{CronExpression: &bad})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = r.scheduler.UpdateSchedule(ctx, "no-such-schedule", model.ReportScheduleUpdate{})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteSchedule_KeepsReports(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	report, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)

	require.NoError(t, r.scheduler.DeleteSchedule(ctx, sched.ID))

	_, err = r.scheduler.GetSchedule(ctx, sched.ID)
	require.ErrorIs(t, err, model.ErrNotFound)

	stored, err := r.scheduler.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Equal(t, report.ID, stored.ID)
}

func TestRunNow_DeltaAgainstPreviousRun(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	// First run has no history: no previous value, delta or change.
	first, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.Nil(t, first.Data.PreviousValue)
	require.Nil(t, first.Data.Delta)
	require.Nil(t, first.Data.PctChange)

	r.engine.set("SELECT total", 180)
	second, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, second.Data.PreviousValue)
	require.Equal(t, 150.0, *second.Data.PreviousValue)
	require.NotNil(t, second.Data.Delta)
	require.Equal(t, 30.0, *second.Data.Delta)
	require.NotNil(t, second.Data.PctChange)
	require.Equal(t, 20.0, *second.Data.PctChange)

	// A zero previous value yields a delta but no percent change.
	r.engine.set("SELECT total", 0)
	_, err = r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)

	r.engine.set("SELECT total", 75)
	fourth, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, fourth.Data.Delta)
	require.Equal(t, 75.0, *fourth.Data.Delta)
	require.Nil(t, fourth.Data.PctChange)
}

func TestAnomalyFlaggedAgainstHistory(t *testing.T) {
	r := newSchedulerRig(t)
	ctx := context.Background()
	sched := r.createSchedule(t)

	// Three runs establish a history around 100 for the root metric.
	for _, v := range []float64{100, 110, 90} {
		r.engine.set("SELECT total", v)
		_, err := r.scheduler.RunNow(ctx, sched.ID)
		require.NoError(t, err)
	}

	r.engine.set("SELECT total", 500)
	report, err := r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.True(t, report.Data.IsAnomaly)

	// Back in range, the flag clears.
	r.engine.set("SELECT total", 105)
	report, err = r.scheduler.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.False(t, report.Data.IsAnomaly)
}

func TestIsAnomaly(t *testing.T) {
	// Too few samples never flag.
	require.False(t, isAnomaly([]float64{100, 110}, 500))

	// A flat history never flags.
	require.False(t, isAnomaly([]float64{100, 100, 100, 100}, 500))

	require.True(t, isAnomaly([]float64{100, 110, 90, 105, 95}, 500))
	require.False(t, isAnomaly([]float64{100, 110, 90, 105, 95}, 102))
}
