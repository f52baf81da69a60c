package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
	"github.com/shaunzlim0123/query-pilot/internal/testutil"
)

func TestNewPublisher_CreatesStreams(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	p, err := NewPublisher(logger, js)
	require.NoError(t, err)
	require.NotNil(t, p)

	for _, name := range []string{alarmStreamName, reportStreamName} {
		info, err := js.StreamInfo(name)
		require.NoError(t, err)
		require.Equal(t, name, info.Config.Name)
	}

	// Creating a second publisher over existing streams succeeds.
	_, err = NewPublisher(logger, js)
	require.NoError(t, err)
}

func TestPublishAlarmEvent(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	p, err := NewPublisher(logger, js)
	require.NoError(t, err)

	v := 150.0
	p.PublishAlarmEvent(&model.AlarmEvent{
		ID:          "ev1",
		AlarmID:     "alarm1",
		EventType:   model.AlarmEventTriggered,
		MetricValue: &v,
		Threshold:   100,
		Message:     "triggered",
		SentAt:      time.Now().UTC(),
	})

	sub, err := js.SubscribeSync("alarm.event.alarm1", nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var got model.AlarmEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "alarm1", got.AlarmID)
	require.Equal(t, model.AlarmEventTriggered, got.EventType)
	require.NotNil(t, got.MetricValue)
	require.Equal(t, 150.0, *got.MetricValue)
}

func TestPublishReportGenerated(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	p, err := NewPublisher(logger, js)
	require.NoError(t, err)

	p.PublishReportGenerated(&ReportGenerated{
		ReportID:   "r1",
		ScheduleID: "s1",
	})

	sub, err := js.SubscribeSync("report.generated.s1", nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var got ReportGenerated
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "r1", got.ReportID)
	require.Equal(t, "s1", got.ScheduleID)
}

func TestNilPublisherDropsEverything(t *testing.T) {
	var p *Publisher
	p.PublishAlarmEvent(&model.AlarmEvent{AlarmID: "a"})
	p.PublishReportGenerated(&ReportGenerated{ScheduleID: "s"})
}
