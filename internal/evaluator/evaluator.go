// Package evaluator runs the standing threshold checks. Each active
// alarm owns an independent timer on its own cadence; evaluations of
// one alarm never run concurrently with each other, and a slow
// computation for one metric never delays unrelated alarms.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/compute"
	"github.com/shaunzlim0123/query-pilot/internal/events"
	"github.com/shaunzlim0123/query-pilot/internal/model"
	"github.com/shaunzlim0123/query-pilot/internal/notify"
	"github.com/shaunzlim0123/query-pilot/internal/storage"
)

// DefaultMinCheckInterval is the floor for alarm cadences when the
// caller does not configure one.
const DefaultMinCheckInterval = 5 * time.Second

// Evaluator owns the alarm registry and the per-alarm timers driving
// the status state machine.
type Evaluator struct {
	logger   *zap.Logger
	alarms   *storage.AlarmStore
	metrics  *storage.MetricStore
	compute  *compute.Service
	notifier notify.Notifier
	events   *events.Publisher

	minInterval time.Duration

	timers    sync.Map // alarm id -> *alarmTimer
	evalLocks sync.Map // alarm id -> *sync.Mutex
}

type alarmTimer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvaluator creates an evaluator. A nil events publisher disables
// the append-only log; minInterval <= 0 falls back to the default.
func NewEvaluator(
	logger *zap.Logger,
	alarms *storage.AlarmStore,
	metrics *storage.MetricStore,
	computeSvc *compute.Service,
	notifier notify.Notifier,
	publisher *events.Publisher,
	minInterval time.Duration,
) *Evaluator {
	if minInterval <= 0 {
		minInterval = DefaultMinCheckInterval
	}
	return &Evaluator{
		logger:      logger,
		alarms:      alarms,
		metrics:     metrics,
		compute:     computeSvc,
		notifier:    notifier,
		events:      publisher,
		minInterval: minInterval,
	}
}

// Start loads the active alarms and starts one timer per alarm.
func (e *Evaluator) Start(ctx context.Context) error {
	alarms, err := e.alarms.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active alarms: %w", err)
	}
	for _, a := range alarms {
		e.startTimer(a)
	}
	e.logger.Info("Alarm evaluator started", zap.Int("active_alarms", len(alarms)))
	return nil
}

// Stop cancels all alarm timers and waits for in-flight evaluations.
func (e *Evaluator) Stop() {
	e.timers.Range(func(key, _ interface{}) bool {
		e.stopTimer(key.(string))
		return true
	})
	e.logger.Info("Alarm evaluator stopped")
}

// CreateAlarm validates and persists a new alarm and, if active, starts
// its timer. New alarms begin in status ok with no recorded check.
func (e *Evaluator) CreateAlarm(ctx context.Context, a *model.Alarm) error {
	if err := e.validate(a); err != nil {
		return err
	}
	if _, err := e.metrics.Get(ctx, a.MetricID); err != nil {
		return fmt.Errorf("alarm metric: %w", err)
	}

	a.Status = model.AlarmStatusOK
	a.LastValue = nil
	a.LastCheckedAt = nil
	if err := e.alarms.Create(ctx, a); err != nil {
		return err
	}

	if a.IsActive {
		e.startTimer(a)
	}
	e.logger.Info("Created alarm",
		zap.String("id", a.ID),
		zap.String("name", a.Name),
		zap.String("metric_id", a.MetricID))
	return nil
}

// UpdateAlarm applies a partial user edit and reconciles the alarm's
// timer: the old timer is cancelled cleanly before any new one starts,
// so cadences never overlap. Reactivation keeps the stored status; the
// first check after it transitions against that status as usual.
func (e *Evaluator) UpdateAlarm(ctx context.Context, id string, upd model.AlarmUpdate) (*model.Alarm, error) {
	a, err := e.alarms.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Operator != nil {
		a.Operator = *upd.Operator
	}
	if upd.Threshold != nil {
		a.Threshold = *upd.Threshold
	}
	if upd.CheckInterval != nil {
		a.CheckInterval = *upd.CheckInterval
	}
	if upd.Webhook != nil {
		a.Webhook = *upd.Webhook
	}
	if upd.IsActive != nil {
		a.IsActive = *upd.IsActive
	}

	if err := e.validate(a); err != nil {
		return nil, err
	}
	if err := e.alarms.Update(ctx, a); err != nil {
		return nil, err
	}

	e.stopTimer(id)
	if a.IsActive {
		e.startTimer(a)
	}
	return a, nil
}

// DeleteAlarm halts the alarm's timer and removes the alarm. The event
// trail is retained for audit.
func (e *Evaluator) DeleteAlarm(ctx context.Context, id string) error {
	e.stopTimer(id)
	return e.alarms.Delete(ctx, id)
}

// GetAlarm retrieves an alarm by id.
func (e *Evaluator) GetAlarm(ctx context.Context, id string) (*model.Alarm, error) {
	return e.alarms.Get(ctx, id)
}

// ListAlarms returns all alarms, newest first.
func (e *Evaluator) ListAlarms(ctx context.Context) ([]*model.Alarm, error) {
	return e.alarms.List(ctx)
}

// ListEvents returns an alarm's audit trail, newest first.
func (e *Evaluator) ListEvents(ctx context.Context, alarmID string, limit int) ([]*model.AlarmEvent, error) {
	return e.alarms.ListEvents(ctx, alarmID, limit)
}

// Test runs exactly one evaluation cycle immediately, bypassing the
// timer. Unlike a timer tick it always emits an event, whether or not
// the state changed: a manual test verifies delivery, not monitoring.
// It waits for any in-flight tick to finish first.
func (e *Evaluator) Test(ctx context.Context, id string) (*model.AlarmEvent, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return e.evaluate(ctx, id, true)
}

func (e *Evaluator) validate(a *model.Alarm) error {
	if a.Name == "" {
		return fmt.Errorf("%w: alarm name is required", model.ErrValidation)
	}
	if a.MetricID == "" {
		return fmt.Errorf("%w: alarm metric_id is required", model.ErrValidation)
	}
	if !a.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %q", model.ErrValidation, a.Operator)
	}
	if min := int(e.minInterval / time.Second); a.CheckInterval < min {
		return fmt.Errorf("%w: check_interval must be at least %ds", model.ErrValidation, min)
	}
	return nil
}

func (e *Evaluator) lockFor(id string) *sync.Mutex {
	v, _ := e.evalLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Evaluator) startTimer(a *model.Alarm) {
	e.stopTimer(a.ID)

	ctx, cancel := context.WithCancel(context.Background())
	t := &alarmTimer{cancel: cancel, done: make(chan struct{})}
	e.timers.Store(a.ID, t)

	interval := time.Duration(a.CheckInterval) * time.Second
	go e.run(ctx, a.ID, interval, t.done)

	e.logger.Info("Started alarm timer",
		zap.String("id", a.ID),
		zap.Duration("interval", interval))
}

func (e *Evaluator) stopTimer(id string) {
	v, ok := e.timers.LoadAndDelete(id)
	if !ok {
		return
	}
	t := v.(*alarmTimer)
	t.cancel()
	<-t.done
	e.logger.Info("Stopped alarm timer", zap.String("id", id))
}

// run is one alarm's timer loop. A tick arriving while the previous
// evaluation is still in flight is skipped: transitions must be
// computed against a single prior state.
func (e *Evaluator) run(ctx context.Context, id string, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lock := e.lockFor(id)
			if !lock.TryLock() {
				e.logger.Debug("Skipped alarm tick, evaluation in flight",
					zap.String("id", id))
				continue
			}
			if _, err := e.evaluate(ctx, id, false); err != nil {
				e.logger.Error("Alarm evaluation failed",
					zap.String("id", id),
					zap.Error(err))
			}
			lock.Unlock()
		}
	}
}

// evaluate runs one evaluation cycle: compute the bound metric, apply
// the transition function, persist the evaluator-owned fields, and emit
// an event plus notification on transition (or unconditionally when
// forced by a manual test).
func (e *Evaluator) evaluate(ctx context.Context, id string, force bool) (*model.AlarmEvent, error) {
	a, err := e.alarms.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsActive && !force {
		return nil, nil
	}

	metricName := a.MetricID
	var res *model.MetricComputeResult
	metric, err := e.metrics.Get(ctx, a.MetricID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		res = &model.MetricComputeResult{
			MetricID: a.MetricID,
			Error:    fmt.Sprintf("metric %s not found", a.MetricID),
		}
	case err != nil:
		res = &model.MetricComputeResult{MetricID: a.MetricID, Error: err.Error()}
	default:
		metricName = metric.Name
		res = e.compute.Compute(ctx, metric)
	}

	out := Transition(a.Status, res, a.Operator, a.Threshold)

	now := time.Now().UTC()
	if err := e.alarms.UpdateStatus(ctx, a.ID, out.Next, res.Value, now); err != nil {
		return nil, err
	}

	if !out.Transitioned && !force {
		return nil, nil
	}

	message := eventMessage(a, metricName, res, out)
	if force {
		message = "Test check: " + message
	}
	event := &model.AlarmEvent{
		AlarmID:     a.ID,
		EventType:   out.EventType,
		MetricValue: res.Value,
		Threshold:   a.Threshold,
		Message:     message,
		SentAt:      now,
	}
	if err := e.alarms.AppendEvent(ctx, event); err != nil {
		return nil, err
	}

	e.events.PublishAlarmEvent(event)
	e.dispatch(a.Webhook, notify.TextPayload{Text: message})

	e.logger.Info("Alarm state transition",
		zap.String("id", a.ID),
		zap.String("from", string(a.Status)),
		zap.String("to", string(out.Next)),
		zap.String("event_type", string(out.EventType)))
	return event, nil
}

// dispatch delivers fire-and-forget: a slow or failing webhook must not
// stall the next tick.
func (e *Evaluator) dispatch(webhook string, payload any) {
	if webhook == "" || e.notifier == nil {
		return
	}
	go func() {
		if err := e.notifier.Send(context.Background(), webhook, payload); err != nil {
			e.logger.Error("Alarm notification failed", zap.Error(err))
		}
	}()
}
