// Package scheduler generates periodic reports: each active schedule
// owns a cron entry that snapshots a whole metric subtree into an
// immutable Report. One failed run never disables a schedule's timer.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/compute"
	"github.com/shaunzlim0123/query-pilot/internal/events"
	"github.com/shaunzlim0123/query-pilot/internal/model"
	"github.com/shaunzlim0123/query-pilot/internal/notify"
	"github.com/shaunzlim0123/query-pilot/internal/storage"
)

// ReportScheduler manages report schedules and their cron timers.
// Cron expressions use the standard 5-field form (minute hour dom month
// dow) interpreted in server-local time.
type ReportScheduler struct {
	logger   *zap.Logger
	reports  *storage.ReportStore
	metrics  *storage.MetricStore
	compute  *compute.Service
	notifier notify.Notifier
	events   *events.Publisher

	cron     *cron.Cron
	entryIDs sync.Map // schedule id -> cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewReportScheduler creates a scheduler. A nil events publisher
// disables the append-only log.
func NewReportScheduler(
	logger *zap.Logger,
	reports *storage.ReportStore,
	metrics *storage.MetricStore,
	computeSvc *compute.Service,
	notifier notify.Notifier,
	publisher *events.Publisher,
) *ReportScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	return &ReportScheduler{
		logger:   logger,
		reports:  reports,
		metrics:  metrics,
		compute:  computeSvc,
		notifier: notifier,
		events:   publisher,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
	}
}

// Start loads the active schedules, registers their cron entries, and
// starts the cron runner.
func (s *ReportScheduler) Start(ctx context.Context) error {
	schedules, err := s.reports.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load report schedules: %w", err)
	}

	active := 0
	for _, sched := range schedules {
		if !sched.IsActive {
			continue
		}
		if err := s.addJob(sched); err != nil {
			s.logger.Error("Failed to register report schedule",
				zap.String("id", sched.ID),
				zap.Error(err))
			continue
		}
		active++
	}

	s.cron.Start()
	s.logger.Info("Report scheduler started", zap.Int("active_schedules", active))
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *ReportScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Report scheduler stopped")
}

// CreateSchedule validates and persists a new schedule and, if active,
// registers its cron entry.
func (s *ReportScheduler) CreateSchedule(ctx context.Context, sched *model.ReportSchedule) error {
	if err := s.validate(sched); err != nil {
		return err
	}
	if _, err := s.metrics.Get(ctx, sched.RootMetricID); err != nil {
		return fmt.Errorf("schedule root metric: %w", err)
	}

	if err := s.reports.CreateSchedule(ctx, sched); err != nil {
		return err
	}
	if sched.IsActive {
		if err := s.addJob(sched); err != nil {
			return err
		}
	}

	s.logger.Info("Created report schedule",
		zap.String("id", sched.ID),
		zap.String("name", sched.Name),
		zap.String("expression", sched.CronExpression))
	return nil
}

// UpdateSchedule applies a partial user edit and reconciles the cron
// entry: the old entry is removed before any new one is added, so a
// schedule never fires on two cadences.
func (s *ReportScheduler) UpdateSchedule(ctx context.Context, id string, upd model.ReportScheduleUpdate) (*model.ReportSchedule, error) {
	sched, err := s.reports.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		sched.Name = *upd.Name
	}
	if upd.CronExpression != nil {
		sched.CronExpression = *upd.CronExpression
	}
	if upd.Webhook != nil {
		sched.Webhook = *upd.Webhook
	}
	if upd.IsActive != nil {
		sched.IsActive = *upd.IsActive
	}

	if err := s.validate(sched); err != nil {
		return nil, err
	}
	if err := s.reports.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.removeJob(id)
	if sched.IsActive {
		if err := s.addJob(sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// DeleteSchedule removes a schedule and its cron entry. Generated
// reports are retained.
func (s *ReportScheduler) DeleteSchedule(ctx context.Context, id string) error {
	s.removeJob(id)
	return s.reports.DeleteSchedule(ctx, id)
}

// GetSchedule retrieves a schedule by id.
func (s *ReportScheduler) GetSchedule(ctx context.Context, id string) (*model.ReportSchedule, error) {
	return s.reports.GetSchedule(ctx, id)
}

// ListSchedules returns all schedules, newest first.
func (s *ReportScheduler) ListSchedules(ctx context.Context) ([]*model.ReportSchedule, error) {
	return s.reports.ListSchedules(ctx)
}

// ListReports returns a schedule's generated reports, newest first.
func (s *ReportScheduler) ListReports(ctx context.Context, scheduleID string, limit int) ([]*model.Report, error) {
	return s.reports.ListReports(ctx, scheduleID, limit)
}

// GetReport retrieves a generated report by id.
func (s *ReportScheduler) GetReport(ctx context.Context, id string) (*model.Report, error) {
	return s.reports.GetReport(ctx, id)
}

// RunNow generates a report for the schedule immediately. It does not
// disturb the cron entry's next scheduled firing.
func (s *ReportScheduler) RunNow(ctx context.Context, id string) (*model.Report, error) {
	return s.generate(ctx, id)
}

func (s *ReportScheduler) validate(sched *model.ReportSchedule) error {
	if sched.Name == "" {
		return fmt.Errorf("%w: schedule name is required", model.ErrValidation)
	}
	if sched.RootMetricID == "" {
		return fmt.Errorf("%w: schedule root_metric_id is required", model.ErrValidation)
	}
	if _, err := cron.ParseStandard(sched.CronExpression); err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %v",
			model.ErrValidation, sched.CronExpression, err)
	}
	return nil
}

func (s *ReportScheduler) addJob(sched *model.ReportSchedule) error {
	id := sched.ID
	entryID, err := s.cron.AddFunc(sched.CronExpression, func() {
		s.runScheduled(id)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryIDs.Store(id, entryID)
	return nil
}

func (s *ReportScheduler) removeJob(id string) {
	v, ok := s.entryIDs.LoadAndDelete(id)
	if !ok {
		return
	}
	s.cron.Remove(v.(cron.EntryID))
}

// runScheduled is the cron entry body. A failed run is logged and the
// entry stays scheduled.
func (s *ReportScheduler) runScheduled(id string) {
	report, err := s.generate(context.Background(), id)
	if err != nil {
		s.logger.Error("Report run failed",
			zap.String("schedule_id", id),
			zap.Error(err))
		return
	}
	s.logger.Info("Generated report",
		zap.String("schedule_id", id),
		zap.String("report_id", report.ID))
}

// generate performs one report run: resolve the period boundaries from
// the run history, snapshot the subtree, persist the report, stamp the
// schedule.
func (s *ReportScheduler) generate(ctx context.Context, id string) (*model.Report, error) {
	sched, err := s.reports.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	periodStart := sched.CreatedAt
	if sched.LastRunAt != nil {
		periodStart = *sched.LastRunAt
	}

	subtree, err := s.metrics.GetSubtree(ctx, sched.RootMetricID)
	if err != nil {
		return nil, fmt.Errorf("schedule root metric: %w", err)
	}

	report := &model.Report{
		ScheduleID:  sched.ID,
		Data:        s.buildNode(ctx, subtree, now),
		PeriodStart: periodStart,
		PeriodEnd:   now,
		GeneratedAt: now,
	}
	if err := s.reports.SaveReport(ctx, report); err != nil {
		return nil, err
	}
	if err := s.reports.UpdateLastRun(ctx, sched.ID, now); err != nil {
		return nil, err
	}

	s.events.PublishReportGenerated(&events.ReportGenerated{
		ReportID:    report.ID,
		ScheduleID:  sched.ID,
		PeriodStart: periodStart.Format(time.RFC3339),
		PeriodEnd:   now.Format(time.RFC3339),
	})
	s.dispatch(sched.Webhook, notify.TextPayload{
		Text: fmt.Sprintf("Report %q generated for %s to %s",
			sched.Name, periodStart.Format(time.RFC3339), now.Format(time.RFC3339)),
	})
	return report, nil
}

// buildNode snapshots one metric node and, in parallel, its children.
// A node's own computation failure is embedded in its Error field and
// never aborts siblings or ancestors.
func (s *ReportScheduler) buildNode(ctx context.Context, m *model.Metric, periodEnd time.Time) *model.ReportNode {
	res := s.compute.Compute(ctx, m)
	node := &model.ReportNode{
		MetricID:   m.ID,
		MetricName: m.Name,
		Unit:       m.Unit,
		Value:      res.Value,
		Error:      res.Error,
	}

	if res.Error == "" && res.Value != nil {
		s.annotateHistory(ctx, node, m.ID, *res.Value)
		if err := s.reports.AddSnapshot(ctx, &model.MetricSnapshot{
			MetricID:   m.ID,
			Value:      *res.Value,
			Period:     periodEnd.Format(time.RFC3339),
			ComputedAt: periodEnd,
		}); err != nil {
			s.logger.Warn("Failed to store metric snapshot",
				zap.String("metric_id", m.ID),
				zap.Error(err))
		}
	}

	if len(m.Children) == 0 {
		return node
	}

	node.Children = make([]*model.ReportNode, len(m.Children))
	var wg sync.WaitGroup
	for i, child := range m.Children {
		wg.Add(1)
		go func(i int, child *model.Metric) {
			defer wg.Done()
			node.Children[i] = s.buildNode(ctx, child, periodEnd)
		}(i, child)
	}
	wg.Wait()
	return node
}

// annotateHistory compares the computed value against the metric's
// recent snapshot history: previous value, delta, percent change, and
// the anomaly flag. A metric with no history keeps the nil defaults.
func (s *ReportScheduler) annotateHistory(ctx context.Context, node *model.ReportNode, metricID string, value float64) {
	history, err := s.reports.ListSnapshotValues(ctx, metricID, 12)
	if err != nil {
		s.logger.Warn("Failed to load snapshot history",
			zap.String("metric_id", metricID),
			zap.Error(err))
		return
	}

	if len(history) > 0 {
		prev := history[0]
		delta := value - prev
		node.PreviousValue = &prev
		node.Delta = &delta
		if prev != 0 {
			pct := math.Round(delta/math.Abs(prev)*100*100) / 100
			node.PctChange = &pct
		}
	}
	node.IsAnomaly = isAnomaly(history, value)
}

// dispatch delivers fire-and-forget: a slow or failing webhook must
// not delay the run or the next firing.
func (s *ReportScheduler) dispatch(webhook string, payload any) {
	if webhook == "" || s.notifier == nil {
		return
	}
	go func() {
		if err := s.notifier.Send(context.Background(), webhook, payload); err != nil {
			s.logger.Error("Report notification failed", zap.Error(err))
		}
	}()
}

func isAnomaly(history []float64, value float64) bool {
	if len(history) < 3 {
		return false
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, v := range history {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(history) - 1)
	if variance == 0 {
		return false
	}

	z := math.Abs(value-mean) / math.Sqrt(variance)
	return z > 2.0
}
