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
	DefaultSynThreshold = 100
	DefaultSynWindow    = 30 * time.Second
	synStaleAfter       = 60 * time.Second
)

type synKey struct {
	src string
	dst string
}

type synCounter struct {
	count       int
	windowStart time.Time
	alerted     bool
}

// SynFloodRule counts SYN-without-ACK packets per (source, destination)
// pair in fixed windows and alerts when a window exceeds the threshold
type SynFloodRule struct {
	name      string
	enabled   bool
	severity  string
	threshold int
	window    time.Duration
	trigger   Trigger
	clock     clock.Clock
	logger    *logrus.Logger

	mu        sync.Mutex
	counters  map[synKey]*synCounter
	lastSweep time.Time
}

func NewSynFloodRule(enabled bool, severity string, threshold int, window time.Duration, trigger Trigger, clk clock.Clock, logger *logrus.Logger) *SynFloodRule {
	if threshold <= 0 {
		threshold = DefaultSynThreshold
	}
	if window <= 0 {
		window = DefaultSynWindow
	}
	if severity == "" {
		severity = model.SeverityHigh
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SynFloodRule{
		name:      "syn_flood",
		enabled:   enabled,
		severity:  severity,
		threshold: threshold,
		window:    window,
		trigger:   ParseTrigger(string(trigger), TriggerEdge),
		clock:     clk,
		logger:    logger,
		counters:  make(map[synKey]*synCounter),
	}
}

func (r *SynFloodRule) Name() string {
	return r.name
}

func (r *SynFloodRule) IsEnabled() bool {
	return r.enabled
}

func (r *SynFloodRule) Evaluate(ctx context.Context, packet *model.Packet) *model.Alert {
	if packet == nil || !packet.IsSYN() {
		return nil
	}

	now := r.clock.Now()
	key := synKey{src: packet.SrcIP, dst: packet.DstIP}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	c, ok := r.counters[key]
	if !ok || now.Sub(c.windowStart) > r.window {
		c = &synCounter{count: 1, windowStart: now}
		r.counters[key] = c
	} else {
		c.count++
	}

	if c.count <= r.threshold {
		return nil
	}
	if r.trigger == TriggerEdge && c.alerted {
		return nil
	}
	c.alerted = true

	alert := newIDSAlert(model.AlertSYNFlood, r.severity, now)
	alert.SwitchID = packet.SwitchID
	alert.SrcIP = packet.SrcIP
	alert.DstIP = packet.DstIP
	alert.Message = fmt.Sprintf("SYN flood from %s to %s: %d SYN packets within %s (threshold: %d)",
		packet.SrcIP, packet.DstIP, c.count, r.window, r.threshold)

	r.logger.Warnf("[SYN Flood] %s", alert.Message)
	return alert
}

// sweepLocked drops counters whose window started long ago
func (r *SynFloodRule) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for key, c := range r.counters {
		if now.Sub(c.windowStart) > synStaleAfter {
			delete(r.counters, key)
		}
	}
}

// Count returns the SYNs counted in the current window for a pair
func (r *SynFloodRule) Count(src, dst string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[synKey{src: src, dst: dst}]; ok {
		return c.count
	}
	return 0
}

// Tracked returns how many pairs have a live counter
func (r *SynFloodRule) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counters)
}
