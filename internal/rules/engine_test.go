package rules

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRule struct {
	name    string
	enabled bool
	alert   *model.Alert
	calls   int
}

func (r *staticRule) Name() string    { return r.name }
func (r *staticRule) IsEnabled() bool { return r.enabled }
func (r *staticRule) Evaluate(ctx context.Context, packet *model.Packet) *model.Alert {
	r.calls++
	return r.alert
}

type periodicRule struct {
	staticRule
	emitter func(*model.Alert)
	started chan struct{}
}

func (r *periodicRule) SetAlertEmitter(emitter func(*model.Alert)) { r.emitter = emitter }
func (r *periodicRule) Start(ctx context.Context) {
	r.emitter(&model.Alert{ID: "periodic"})
	close(r.started)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []model.Alert
	err    error
}

func (n *recordingNotifier) SendAlert(alert model.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func newTestEngine() *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEngine(logger)
}

func TestEvaluateRunsEveryEnabledRule(t *testing.T) {
	e := newTestEngine()
	first := &staticRule{name: "a", enabled: true, alert: &model.Alert{ID: "1"}}
	second := &staticRule{name: "b", enabled: true, alert: &model.Alert{ID: "2"}}
	disabled := &staticRule{name: "c", enabled: false, alert: &model.Alert{ID: "3"}}
	e.RegisterRule(first)
	e.RegisterRule(second)
	e.RegisterRule(disabled)

	failing := &recordingNotifier{err: errors.New("telegram down")}
	ok := &recordingNotifier{}
	e.RegisterNotifier(failing)
	e.RegisterNotifier(ok)

	alerts := e.Evaluate(context.Background(), &model.Packet{})
	require.Len(t, alerts, 2)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Zero(t, disabled.calls)
	assert.Len(t, ok.alerts, 2, "a failing notifier does not block the rest")
	assert.Len(t, e.Rules(), 3)
}

func TestStartPeriodicWiresEmitter(t *testing.T) {
	e := newTestEngine()
	n := &recordingNotifier{}
	e.RegisterNotifier(n)

	rule := &periodicRule{staticRule: staticRule{name: "p", enabled: true}, started: make(chan struct{})}
	e.RegisterRule(rule)
	e.StartPeriodic(context.Background())

	select {
	case <-rule.started:
	case <-time.After(time.Second):
		t.Fatal("periodic rule was not started")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.alerts, 1)
	assert.Equal(t, "periodic", n.alerts[0].ID)
}
