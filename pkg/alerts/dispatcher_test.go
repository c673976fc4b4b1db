package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basharzamzami/base44-Analytics/pkg/alerts"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	sent []model.Transition
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, tr model.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tr)
	return f.err
}

func TestDispatcher_SkipsRefreshesAndSurvivesFailures(t *testing.T) {
	broken := &fakeNotifier{name: "broken", err: errors.New("boom")}
	ok := &fakeNotifier{name: "ok"}
	d := alerts.NewDispatcher([]alerts.Notifier{broken, ok}, nil, nil, nil)

	refreshed := created()
	refreshed.Action = model.ActionRefreshed
	d.Publish(context.Background(), []model.Transition{created(), refreshed})

	require.Len(t, ok.sent, 1)
	assert.Equal(t, model.ActionCreated, ok.sent[0].Action)
	assert.Len(t, broken.sent, 1)
}

func TestDispatcher_CustomActions(t *testing.T) {
	ok := &fakeNotifier{name: "ok"}
	d := alerts.NewDispatcher([]alerts.Notifier{ok}, []model.TransitionAction{model.ActionRefreshed}, nil, nil)

	refreshed := created()
	refreshed.Action = model.ActionRefreshed
	d.Publish(context.Background(), []model.Transition{created(), refreshed})

	require.Len(t, ok.sent, 1)
	assert.Equal(t, model.ActionRefreshed, ok.sent[0].Action)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifier_Send(t *testing.T) {
	w := &fakeWriter{}
	n := alerts.NewKafkaNotifierWithWriter(w)
	assert.Equal(t, "kafka", n.Name())

	require.NoError(t, n.Send(context.Background(), created()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "acme/a1", string(msg.Key))
	assert.Equal(t, created().At, msg.Time)

	var tr model.Transition
	require.NoError(t, json.Unmarshal(msg.Value, &tr))
	assert.Equal(t, model.ActionCreated, tr.Action)
	assert.Equal(t, "revenue", tr.KPIID)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "created", headers["action"])
	assert.Equal(t, "high", headers["severity"])

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifier_WriteError(t *testing.T) {
	n := alerts.NewKafkaNotifierWithWriter(&fakeWriter{err: errors.New("leader not available")})
	err := n.Send(context.Background(), created())
	assert.ErrorContains(t, err, "write kafka message")
}
