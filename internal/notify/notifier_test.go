package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type webhookSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var note Notification
		if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.notes = append(s.notes, note)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (s *webhookSink) received() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notes...)
}

func newTestNotifier(t *testing.T, ratePerMinute float64) (*Notifier, *webhookSink) {
	t.Helper()
	sink := &webhookSink{}
	srv := httptest.NewServer(sink.handler())
	t.Cleanup(srv.Close)

	return New(config.NotifyConfig{
		WebhookURL:    srv.URL,
		RatePerMinute: ratePerMinute,
	}), sink
}

func TestReport_FirstOccurrenceDeliversImmediately(t *testing.T) {
	n, sink := newTestNotifier(t, 60)

	n.Report(context.Background(), "gate:analytics", "high", "missing critical dependency", nil)

	notes := sink.received()
	require.Len(t, notes, 1)
	assert.Equal(t, "gate:analytics", notes[0].Signature)
	assert.Equal(t, 1, notes[0].Count)
	assert.Equal(t, 0, n.Pending())
}

func TestReport_BurstAggregatesBySignature(t *testing.T) {
	// Burst capacity 1: the first delivery consumes it, the rest queue.
	n, sink := newTestNotifier(t, 0.001)

	for range 40 {
		n.Report(context.Background(), "batch:player_analytics", "high", "entity failed", nil)
	}
	n.Report(context.Background(), "batch:team_analytics", "high", "entity failed", nil)

	require.Len(t, sink.received(), 1, "only the first occurrence squeezes through the limiter")
	assert.Equal(t, 2, n.Pending())

	sent := n.Flush(context.Background())
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, n.Pending())

	notes := sink.received()
	require.Len(t, notes, 3)

	bySig := make(map[string]Notification)
	for _, note := range notes[1:] {
		bySig[note.Signature] = note
	}
	agg := bySig["batch:player_analytics"]
	assert.Equal(t, 39, agg.Count)
	assert.False(t, agg.LastSeen.Before(agg.FirstSeen))
	assert.Equal(t, 1, bySig["batch:team_analytics"].Count)
}

func TestFlush_EmptyQueueSendsNothing(t *testing.T) {
	n, sink := newTestNotifier(t, 60)
	assert.Equal(t, 0, n.Flush(context.Background()))
	assert.Empty(t, sink.received())
}

func TestDeliver_NoWebhookConfigured(t *testing.T) {
	n := New(config.NotifyConfig{})
	// Must not panic or block without a webhook URL.
	n.Report(context.Background(), "sig", "low", "msg", nil)
	n.Flush(context.Background())
}

func TestPhaseEscalation_Payload(t *testing.T) {
	n, sink := newTestNotifier(t, 60)
	d, err := model.ParseDate("2026-01-15")
	require.NoError(t, err)

	n.PhaseEscalation(context.Background(), model.PhasePredict, d, "no output after exhausting automatic retries")

	notes := sink.received()
	require.Len(t, notes, 1)
	assert.Equal(t, "selfheal:predict", notes[0].Signature)
	assert.Contains(t, notes[0].Message, "predict")
	assert.Contains(t, notes[0].Message, "2026-01-15")
	assert.Equal(t, "2026-01-15", notes[0].Details["date"])
}

func TestDeliver_ServerErrorDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{WebhookURL: srv.URL, RatePerMinute: 60})
	n.Report(context.Background(), "sig", "high", "msg", nil)
}
