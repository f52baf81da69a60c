// Package events appends alarm and report events to durable NATS
// JetStream streams. The log is observational: publish failures are
// logged and never surfaced to evaluation or report logic.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

const (
	alarmStreamName   = "ALARM_EVENTS"
	alarmSubjectBase  = "alarm.event."
	reportStreamName  = "REPORTS"
	reportSubjectBase = "report.generated."
)

// Publisher writes the append-only event/report log. A nil *Publisher
// is valid and drops everything, so components can run without NATS.
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher and ensures both streams exist.
func NewPublisher(logger *zap.Logger, js nats.JetStreamContext) (*Publisher, error) {
	p := &Publisher{logger: logger, js: js}
	if err := p.ensureStream(alarmStreamName, alarmSubjectBase+"*"); err != nil {
		return nil, err
	}
	if err := p.ensureStream(reportStreamName, reportSubjectBase+"*"); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(name, subject string) error {
	_, err := p.js.StreamInfo(name)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", name))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("name", name))
	return nil
}

// PublishAlarmEvent appends an alarm event to the log.
func (p *Publisher) PublishAlarmEvent(event *model.AlarmEvent) {
	if p == nil {
		return
	}
	p.publish(alarmSubjectBase+event.AlarmID, event)
}

// ReportGenerated is the log entry written after each report run.
type ReportGenerated struct {
	ReportID    string `json:"report_id"`
	ScheduleID  string `json:"schedule_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// PublishReportGenerated appends a report-generated entry to the log.
func (p *Publisher) PublishReportGenerated(entry *ReportGenerated) {
	if p == nil {
		return
	}
	p.publish(reportSubjectBase+entry.ScheduleID, entry)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
