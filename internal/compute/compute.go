// Package compute evaluates a single metric against its analytic
// dataset. The service is stateless and never lets a failure escape as
// an error: every failure mode becomes the Error field of the result,
// because its callers run inside timer and cron loops that must keep
// running.
package compute

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/engine"
	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// Service computes metric values through an analytic engine, with a
// configurable cap on concurrent engine calls.
type Service struct {
	logger *zap.Logger
	engine engine.Engine
	sem    chan struct{}
}

// New creates a computation service. maxConcurrent bounds the number of
// in-flight engine calls across all callers; values below 1 are raised
// to 1.
func New(logger *zap.Logger, eng engine.Engine, maxConcurrent int) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{
		logger: logger,
		engine: eng,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Compute resolves the metric's dataset and SQL and returns a typed
// result. Computation never aggregates child values; composition in the
// tree is purely organizational.
func (s *Service) Compute(ctx context.Context, m *model.Metric) *model.MetricComputeResult {
	result := &model.MetricComputeResult{
		MetricID:   m.ID,
		MetricName: m.Name,
		Unit:       m.Unit,
	}

	if m.SQLQuery == "" {
		result.Error = "no SQL query defined for this metric"
		return result
	}
	if m.DatasetID == "" {
		result.Error = "no dataset bound to this metric"
		return result
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		result.Error = fmt.Sprintf("computation canceled: %v", ctx.Err())
		return result
	}

	res, err := s.engine.Execute(ctx, m.DatasetID, m.SQLQuery)
	if err != nil {
		s.logger.Warn("Metric computation failed",
			zap.String("metric_id", m.ID),
			zap.String("dataset_id", m.DatasetID),
			zap.Error(err))
		result.Error = err.Error()
		return result
	}

	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return result
	}

	value, err := toFloat(res.Rows[0][0])
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Value = value
	return result
}

// toFloat coerces the first scalar of a result into a float64. A SQL
// NULL maps to a nil value without an error; anything non-numeric is an
// error condition.
func toFloat(v any) (*float64, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &x, nil
	case float32:
		f := float64(x)
		return &f, nil
	case int64:
		f := float64(x)
		return &f, nil
	case int:
		f := float64(x)
		return &f, nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric query result %q", string(x))
		}
		return &f, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric query result %q", x)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("non-numeric query result of type %T", v)
	}
}
