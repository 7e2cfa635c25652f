package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sdn-guard/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPortScanThreshold = 15
	DefaultPortScanWindow    = 5 * time.Second
)

// PortScanRule tracks the destination address:port pairs each source
// touched and alerts when too many were contacted within the window
type PortScanRule struct {
	name      string
	enabled   bool
	severity  string
	threshold int
	window    time.Duration
	trigger   Trigger
	clock     clock.Clock
	logger    *logrus.Logger

	mu        sync.Mutex
	seen      map[string]map[string]time.Time
	alerted   map[string]bool
	lastSweep time.Time
}

func NewPortScanRule(enabled bool, severity string, threshold int, window time.Duration, trigger Trigger, clk clock.Clock, logger *logrus.Logger) *PortScanRule {
	if threshold <= 0 {
		threshold = DefaultPortScanThreshold
	}
	if window <= 0 {
		window = DefaultPortScanWindow
	}
	if severity == "" {
		severity = model.SeverityMedium
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PortScanRule{
		name:      "port_scan",
		enabled:   enabled,
		severity:  severity,
		threshold: threshold,
		window:    window,
		trigger:   ParseTrigger(string(trigger), TriggerLevel),
		clock:     clk,
		logger:    logger,
		seen:      make(map[string]map[string]time.Time),
		alerted:   make(map[string]bool),
	}
}

func (r *PortScanRule) Name() string {
	return r.name
}

func (r *PortScanRule) IsEnabled() bool {
	return r.enabled
}

func (r *PortScanRule) Evaluate(ctx context.Context, packet *model.Packet) *model.Alert {
	if packet == nil || !packet.IsTCP() || packet.SrcIP == "" {
		return nil
	}

	now := r.clock.Now()
	target := fmt.Sprintf("%s:%d", packet.DstIP, packet.DstPort)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	targets, ok := r.seen[packet.SrcIP]
	if !ok {
		targets = make(map[string]time.Time)
		r.seen[packet.SrcIP] = targets
	}
	targets[target] = now

	count := 0
	for t, last := range targets {
		if now.Sub(last) > r.window {
			delete(targets, t)
			continue
		}
		count++
	}

	if count <= r.threshold {
		r.alerted[packet.SrcIP] = false
		return nil
	}
	if r.trigger == TriggerEdge && r.alerted[packet.SrcIP] {
		return nil
	}
	r.alerted[packet.SrcIP] = true

	alert := newIDSAlert(model.AlertPortScan, r.severity, now)
	alert.SwitchID = packet.SwitchID
	alert.SrcIP = packet.SrcIP
	alert.DstIP = packet.DstIP
	alert.Message = fmt.Sprintf("Port scan from %s: %d distinct destination ports within %s (threshold: %d)",
		packet.SrcIP, count, r.window, r.threshold)

	r.logger.Warnf("[Port Scan] %s", alert.Message)
	return alert
}

// sweepLocked forgets sources with nothing inside the window
func (r *PortScanRule) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for src, targets := range r.seen {
		fresh := false
		for _, last := range targets {
			if now.Sub(last) <= r.window {
				fresh = true
				break
			}
		}
		if !fresh {
			delete(r.seen, src)
			delete(r.alerted, src)
		}
	}
}

// Tracked returns how many sources are being watched
func (r *PortScanRule) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
