package rules

import (
	"context"
	"sync"

	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// Engine runs the registered intrusion rules against every packet-in and
// fans raised alerts out to the notifiers
type Engine struct {
	rules          []RuleInterface
	alertNotifiers []NotifierInterface
	logger         *logrus.Logger
	mu             sync.RWMutex
}

type NotifierInterface interface {
	SendAlert(alert model.Alert) error
}

type RuleInterface interface {
	Name() string
	IsEnabled() bool
	Evaluate(ctx context.Context, packet *model.Packet) *model.Alert
}

// PeriodicRule is a rule that checks on a timer instead of per packet
type PeriodicRule interface {
	RuleInterface
	SetAlertEmitter(emitter func(*model.Alert))
	Start(ctx context.Context)
}

func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{
		rules:          make([]RuleInterface, 0),
		alertNotifiers: make([]NotifierInterface, 0),
		logger:         logger,
	}
}

func (e *Engine) RegisterRule(rule RuleInterface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	e.logger.Infof("Registered rule: %s", rule.Name())
}

func (e *Engine) RegisterNotifier(notifier NotifierInterface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alertNotifiers = append(e.alertNotifiers, notifier)
}

// Rules returns the registered rules in registration order
func (e *Engine) Rules() []RuleInterface {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]RuleInterface, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// Evaluate runs every enabled rule on the packet. All rules see every
// packet; one rule firing does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, packet *model.Packet) []model.Alert {
	var alerts []model.Alert

	for _, rule := range e.Rules() {
		if rule.IsEnabled() {
			if alert := rule.Evaluate(ctx, packet); alert != nil {
				alerts = append(alerts, *alert)
				e.EmitAlert(*alert)
			}
		}
	}

	return alerts
}

// StartPeriodic wires the emitter of every enabled periodic rule and runs
// it until ctx is cancelled
func (e *Engine) StartPeriodic(ctx context.Context) {
	for _, rule := range e.Rules() {
		periodic, ok := rule.(PeriodicRule)
		if !ok || !periodic.IsEnabled() {
			continue
		}
		periodic.SetAlertEmitter(func(alert *model.Alert) {
			e.EmitAlert(*alert)
		})
		go periodic.Start(ctx)
	}
}

func (e *Engine) EmitAlert(alert model.Alert) {
	e.mu.RLock()
	notifiers := make([]NotifierInterface, len(e.alertNotifiers))
	copy(notifiers, e.alertNotifiers)
	e.mu.RUnlock()

	for _, notifier := range notifiers {
		if err := notifier.SendAlert(alert); err != nil {
			e.logger.Errorf("Failed to send alert: %v", err)
		}
	}
}
