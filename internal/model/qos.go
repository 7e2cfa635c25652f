package model

// ModCommand is the add/modify/delete verb for meter and group mods
type ModCommand string

const (
	ModAdd    ModCommand = "add"
	ModModify ModCommand = "modify"
	ModDelete ModCommand = "delete"
)

// MeterBand is the action taken on traffic above the meter rate
type MeterBand string

const (
	BandDrop       MeterBand = "drop"
	BandDSCPRemark MeterBand = "dscp_remark"
)

// Meter is a per-switch rate limiter attached to policy flows
type Meter struct {
	ID        uint32    `json:"meter_id"`
	SwitchID  uint64    `json:"switch_id"`
	PolicyKey string    `json:"policy_key"`
	RateKbps  uint32    `json:"rate_kbps"`
	BurstKb   uint32    `json:"burst_size"`
	Band      MeterBand `json:"band"`
}

// GroupType is the OpenFlow group type
type GroupType string

const (
	GroupSelect       GroupType = "select"
	GroupFastFailover GroupType = "fast-failover"
)

// Bucket is one candidate output of a group. Weight applies to select
// groups; WatchPort to fast-failover groups.
type Bucket struct {
	Port      uint32 `json:"port"`
	Weight    uint16 `json:"weight,omitempty"`
	WatchPort uint32 `json:"watch_port,omitempty"`
}

// Group is a multipath or failover indirection on one switch
type Group struct {
	ID       uint32    `json:"group_id"`
	SwitchID uint64    `json:"switch_id"`
	RouteKey string    `json:"route_key"`
	Type     GroupType `json:"type"`
	Buckets  []Bucket  `json:"buckets"`
}
