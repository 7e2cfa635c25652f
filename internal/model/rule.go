package model

import "time"

// Rule is the YAML configuration of a detection rule
type Rule struct {
	Name        string                 `yaml:"name" json:"name"`
	Enabled     bool                   `yaml:"enabled" json:"enabled"`
	Severity    string                 `yaml:"severity" json:"severity"`
	Description string                 `yaml:"description" json:"description"`
	Type        string                 `yaml:"type" json:"type"`
	Thresholds  map[string]interface{} `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Duration    time.Duration          `yaml:"duration,omitempty" json:"duration,omitempty"`
	Conditions  []Condition            `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// Alert categories
const (
	CategoryIDS     = "ids"
	CategoryAnomaly = "anomaly"
)

// Alert types raised by the detectors
const (
	AlertSYNFlood       = "SYN Flood"
	AlertPortScan       = "Port Scan"
	AlertTrafficSpike   = "Traffic Spike"
	AlertTrafficDrop    = "Traffic Drop"
	AlertBandwidthSpike = "Bandwidth Spike"
	AlertBandwidthDrop  = "Bandwidth Drop"
	AlertPacketInSurge  = "Packet-In Surge"
)

// Severities
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Alert is an immutable detection record
type Alert struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	SwitchID  uint64    `json:"datapath_id"`
	FlowID    string    `json:"flow_id,omitempty"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	Message   string    `json:"description"`
	ZScore    float64   `json:"z_score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
