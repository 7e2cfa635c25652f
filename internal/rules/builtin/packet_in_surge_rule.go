package builtin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sdn-guard/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPacketInSurgeThreshold = 500.0
	packetInSurgeQuery            = `sum(rate(sdn_packet_in_total[1m])) by (switch)`
)

// VectorQuerier runs an instant query and returns one value per label
type VectorQuerier interface {
	QueryVector(ctx context.Context, query, byLabel string) (map[string]float64, error)
}

// PacketInSurgeRule watches the packet-in rate each switch sends to the
// controller, as scraped by Prometheus, and alerts when it exceeds a
// packets per second threshold
type PacketInSurgeRule struct {
	name         string
	enabled      bool
	severity     string
	threshold    float64
	querier      VectorQuerier
	clock        clock.Clock
	logger       *logrus.Logger
	interval     time.Duration
	alertEmitter func(*model.Alert)
}

func NewPacketInSurgeRule(enabled bool, severity string, threshold float64, querier VectorQuerier, clk clock.Clock, logger *logrus.Logger) *PacketInSurgeRule {
	if threshold <= 0 {
		threshold = DefaultPacketInSurgeThreshold
	}
	if severity == "" {
		severity = model.SeverityHigh
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PacketInSurgeRule{
		name:      "packet_in_surge",
		enabled:   enabled && querier != nil,
		severity:  severity,
		threshold: threshold,
		querier:   querier,
		clock:     clk,
		logger:    logger,
		interval:  10 * time.Second,
	}
}

func (r *PacketInSurgeRule) SetAlertEmitter(emitter func(*model.Alert)) {
	r.alertEmitter = emitter
}

func (r *PacketInSurgeRule) SetInterval(interval time.Duration) {
	if interval > 0 {
		r.interval = interval
	}
}

func (r *PacketInSurgeRule) Name() string {
	return r.name
}

func (r *PacketInSurgeRule) IsEnabled() bool {
	return r.enabled
}

// Evaluate is a no-op; the rule works from Prometheus on a timer
func (r *PacketInSurgeRule) Evaluate(ctx context.Context, packet *model.Packet) *model.Alert {
	return nil
}

func (r *PacketInSurgeRule) Start(ctx context.Context) {
	if !r.enabled {
		return
	}

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.logger.Infof("[Packet-In Surge] Starting periodic checks from Prometheus (interval: %v, threshold: %.0f pps)", r.interval, r.threshold)

	for {
		select {
		case <-ticker.C:
			r.Check(ctx)
		case <-ctx.Done():
			r.logger.Info("[Packet-In Surge] Stopping periodic checks")
			return
		}
	}
}

// Check runs one query and returns the alerts it raised
func (r *PacketInSurgeRule) Check(ctx context.Context) []model.Alert {
	rates, err := r.querier.QueryVector(ctx, packetInSurgeQuery, "switch")
	if err != nil {
		r.logger.Errorf("[Packet-In Surge] Failed to query Prometheus: %v", err)
		return nil
	}

	var alerts []model.Alert
	now := r.clock.Now()
	for label, rate := range rates {
		r.logger.Debugf("[Packet-In Surge] switch %s: %.2f packet-in/s (threshold: %.0f)", label, rate, r.threshold)
		if rate <= r.threshold {
			continue
		}

		alert := newIDSAlert(model.AlertPacketInSurge, r.severity, now)
		if id, err := strconv.ParseUint(label, 10, 64); err == nil {
			alert.SwitchID = id
		}
		alert.Message = fmt.Sprintf("Packet-in surge on switch %s: %.1f packets/s sent to the controller (threshold: %.0f)", label, rate, r.threshold)
		r.logger.Warnf("[Packet-In Surge] %s", alert.Message)

		if r.alertEmitter != nil {
			r.alertEmitter(alert)
		}
		alerts = append(alerts, *alert)
	}
	return alerts
}
