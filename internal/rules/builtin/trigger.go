package builtin

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"sdn-guard/internal/model"
)

// Trigger selects when a threshold rule fires
type Trigger string

const (
	// TriggerEdge fires once when the threshold is crossed, then stays
	// quiet until the condition clears
	TriggerEdge Trigger = "edge"
	// TriggerLevel fires on every evaluation over the threshold
	TriggerLevel Trigger = "level"
)

// ParseTrigger returns def for empty or unknown values
func ParseTrigger(v string, def Trigger) Trigger {
	switch Trigger(strings.ToLower(strings.TrimSpace(v))) {
	case TriggerEdge:
		return TriggerEdge
	case TriggerLevel:
		return TriggerLevel
	}
	return def
}

var alertSeq atomic.Uint64

func newIDSAlert(alertType, severity string, now time.Time) *model.Alert {
	return &model.Alert{
		ID:        fmt.Sprintf("ids-%d-%d", now.Unix(), alertSeq.Add(1)),
		Category:  model.CategoryIDS,
		Type:      alertType,
		Severity:  severity,
		Timestamp: now,
	}
}
