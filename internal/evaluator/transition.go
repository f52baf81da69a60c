package evaluator

import (
	"fmt"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// Outcome is the result of applying one evaluation to an alarm's state
// machine.
type Outcome struct {
	Next model.AlarmStatus

	// EventType is the event a transition into Next emits.
	EventType model.AlarmEventType

	// Transitioned reports whether the state changed. Consecutive
	// evaluations landing in the same state emit no event; this
	// debouncing is what prevents notification storms for a metric
	// holding steady on one side of its threshold.
	Transitioned bool
}

// Transition computes the next alarm state for one evaluation. It is
// pure: persistence, event emission and notification are handled by the
// caller. A nil value never matches the threshold comparison.
func Transition(prev model.AlarmStatus, res *model.MetricComputeResult, op model.AlarmOperator, threshold float64) Outcome {
	var next model.AlarmStatus
	switch {
	case res.Error != "":
		next = model.AlarmStatusError
	case res.Value != nil && op.Compare(*res.Value, threshold):
		next = model.AlarmStatusTriggered
	default:
		next = model.AlarmStatusOK
	}

	out := Outcome{Next: next, Transitioned: next != prev}
	switch next {
	case model.AlarmStatusError:
		out.EventType = model.AlarmEventError
	case model.AlarmStatusTriggered:
		out.EventType = model.AlarmEventTriggered
	default:
		out.EventType = model.AlarmEventResolved
	}
	return out
}

// eventMessage renders the human-readable audit message for an event.
func eventMessage(alarm *model.Alarm, metricName string, res *model.MetricComputeResult, out Outcome) string {
	switch out.EventType {
	case model.AlarmEventError:
		return fmt.Sprintf("Error computing metric: %s", res.Error)
	case model.AlarmEventTriggered:
		return fmt.Sprintf("Alarm %q triggered: %s = %s %s %v",
			alarm.Name, metricName, formatValue(res.Value), alarm.Operator, alarm.Threshold)
	default:
		return fmt.Sprintf("Alarm %q resolved: %s = %s (threshold: %v)",
			alarm.Name, metricName, formatValue(res.Value), alarm.Threshold)
	}
}

func formatValue(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v", *v)
}
