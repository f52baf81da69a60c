package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

func newNotifier(t *testing.T) *WebhookNotifier {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewWebhookNotifier(logger, WebhookConfig{
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	})
}

func TestSend_PostsJSON(t *testing.T) {
	var got TextPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t)
	err := n.Send(context.Background(), srv.URL, TextPayload{Text: "Alarm triggered"})
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "Alarm triggered", got.Text)
}

func TestSend_EmptyURLIsNoop(t *testing.T) {
	n := newNotifier(t)
	require.NoError(t, n.Send(context.Background(), "", TextPayload{Text: "x"}))
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t)
	err := n.Send(context.Background(), srv.URL, TextPayload{Text: "x"})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestSend_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newNotifier(t)
	err := n.Send(context.Background(), srv.URL, TextPayload{Text: "x"})
	require.ErrorIs(t, err, model.ErrNotificationDelivery)
	require.Equal(t, int32(3), calls.Load())
}

func TestSend_CanceledBetweenRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger, _ := zap.NewDevelopment()
	n := NewWebhookNotifier(logger, WebhookConfig{
		Timeout:      time.Second,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := n.Send(ctx, srv.URL, TextPayload{Text: "x"})
	require.ErrorIs(t, err, model.ErrNotificationDelivery)
	require.Less(t, time.Since(start), time.Second)
}

func TestExponentialBackoff(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	require.Equal(t, time.Second, s.NextRetry(0))
	require.Equal(t, 2*time.Second, s.NextRetry(1))
	require.Equal(t, 4*time.Second, s.NextRetry(2))
	require.Equal(t, 8*time.Second, s.NextRetry(3))
	require.Equal(t, 10*time.Second, s.NextRetry(4))
	require.Equal(t, 10*time.Second, s.NextRetry(10))
}

func TestDispatch_DoesNotBlock(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t)

	start := time.Now()
	n.Dispatch(srv.URL, TextPayload{Text: "x"})
	require.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never delivered")
	}
}
