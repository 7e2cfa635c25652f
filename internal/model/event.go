package model

// EventType identifies an inbound protocol-engine event
type EventType string

const (
	EventSwitchConnected    EventType = "switch_connected"
	EventSwitchDisconnected EventType = "switch_disconnected"
	EventPacketIn           EventType = "packet_in"
	EventFlowStats          EventType = "flow_stats"
	EventPortStats          EventType = "port_stats"
	EventTableStats         EventType = "table_stats"
	EventError              EventType = "error"
)

// Event is the envelope published by the protocol engine. Only the
// payload field matching Type is populated.
type Event struct {
	Type       EventType       `json:"type"`
	SwitchID   uint64          `json:"switch_id"`
	Features   *SwitchFeatures `json:"features,omitempty"`
	InPort     uint32          `json:"in_port,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	FlowStats  []FlowStat      `json:"flow_stats,omitempty"`
	PortStats  []PortStat      `json:"port_stats,omitempty"`
	TableStats []TableStat     `json:"table_stats,omitempty"`
	Error      *DeviceError    `json:"error,omitempty"`
}

// DeviceError is a switch-side rejection reported asynchronously
type DeviceError struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// PacketIn is a frame punted to the controller
type PacketIn struct {
	SwitchID uint64 `json:"switch_id"`
	InPort   uint32 `json:"in_port"`
	Data     []byte `json:"data"`
}

// DecisionAction is the forwarding verdict for a packet-in
type DecisionAction string

const (
	DecisionFlood  DecisionAction = "flood"
	DecisionOutput DecisionAction = "output"
	DecisionDrop   DecisionAction = "drop"
)

// PacketDecision is returned for every packet-in and relayed as a packet-out.
// Install carries the flow the controller programmed for the packet's flow, if any.
type PacketDecision struct {
	Action  DecisionAction `json:"action"`
	Port    uint32         `json:"port,omitempty"`
	InPort  uint32         `json:"in_port"`
	Data    []byte         `json:"data,omitempty"`
	Install *FlowEntry     `json:"install,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// StatsKind selects a statistics multipart request
type StatsKind string

const (
	StatsFlow  StatsKind = "flow"
	StatsPort  StatsKind = "port"
	StatsTable StatsKind = "table"
)

// AllStatsKinds is what a collector poll requests
var AllStatsKinds = []StatsKind{StatsFlow, StatsPort, StatsTable}
