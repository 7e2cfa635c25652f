package model

import (
	"fmt"
	"time"
)

// Reserved OpenFlow 1.3 port numbers used in output actions
const (
	PortNormal     uint32 = 0xfffffffa
	PortFlood      uint32 = 0xfffffffb
	PortController uint32 = 0xfffffffd
	PortAny        uint32 = 0xffffffff
)

// EtherTypes matched by classification and policy flows
const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	EthTypeVLAN uint16 = 0x8100
	EthTypeLLDP uint16 = 0x88cc
	EthTypeIPv6 uint16 = 0x86dd
)

// Match is a switch-independent match specification. Zero values are wildcards
// and are left out of the encoded form.
type Match struct {
	InPort  uint32 `json:"in_port,omitempty"`
	EthType uint16 `json:"eth_type,omitempty"`
	EthSrc  string `json:"eth_src,omitempty"`
	EthDst  string `json:"eth_dst,omitempty"`
	VlanID  uint16 `json:"vlan_vid,omitempty"`
	IPv4Src string `json:"ipv4_src,omitempty"`
	IPv4Dst string `json:"ipv4_dst,omitempty"`
	IPProto uint8  `json:"ip_proto,omitempty"`
	TCPSrc  uint16 `json:"tcp_src,omitempty"`
	TCPDst  uint16 `json:"tcp_dst,omitempty"`
	UDPSrc  uint16 `json:"udp_src,omitempty"`
	UDPDst  uint16 `json:"udp_dst,omitempty"`
}

// IsEmpty reports whether the match wildcards every field
func (m Match) IsEmpty() bool {
	return m == Match{}
}

// ActionType identifies a flow action
type ActionType string

const (
	ActionOutput ActionType = "OUTPUT"
	ActionGroup  ActionType = "GROUP"
)

// Action is one entry of an apply-actions instruction
type Action struct {
	Type    ActionType `json:"type"`
	Port    uint32     `json:"port,omitempty"`
	GroupID uint32     `json:"group_id,omitempty"`
}

func OutputAction(port uint32) Action {
	return Action{Type: ActionOutput, Port: port}
}

func GroupAction(groupID uint32) Action {
	return Action{Type: ActionGroup, GroupID: groupID}
}

func (a Action) String() string {
	switch a.Type {
	case ActionGroup:
		return fmt.Sprintf("GROUP:%d", a.GroupID)
	case ActionOutput:
		switch a.Port {
		case PortNormal:
			return "OUTPUT:NORMAL"
		case PortFlood:
			return "OUTPUT:FLOOD"
		case PortController:
			return "OUTPUT:CONTROLLER"
		}
		return fmt.Sprintf("OUTPUT:%d", a.Port)
	}
	return string(a.Type)
}

// FlowCommand is the flow-mod command issued to a switch
type FlowCommand string

const (
	FlowAdd          FlowCommand = "add"
	FlowModify       FlowCommand = "modify"
	FlowDelete       FlowCommand = "delete"
	FlowDeleteStrict FlowCommand = "delete_strict"
)

// FlowEntry is a switch forwarding-table row. An empty action list drops.
type FlowEntry struct {
	TableID     uint8    `json:"table_id"`
	Priority    uint16   `json:"priority"`
	Match       Match    `json:"match"`
	Actions     []Action `json:"actions"`
	MeterID     uint32   `json:"meter_id,omitempty"`
	GotoTable   *uint8   `json:"goto_table,omitempty"`
	IdleTimeout uint16   `json:"idle_timeout,omitempty"`
	HardTimeout uint16   `json:"hard_timeout,omitempty"`
	Cookie      uint64   `json:"cookie,omitempty"`
	CookieMask  uint64   `json:"cookie_mask,omitempty"`
}

// IsDrop reports whether the entry has no forwarding instruction
func (f FlowEntry) IsDrop() bool {
	return len(f.Actions) == 0 && f.GotoTable == nil
}

// FlowStat is one row of a flow statistics reply
type FlowStat struct {
	TableID      uint8  `json:"table_id"`
	Priority     uint16 `json:"priority"`
	Cookie       uint64 `json:"cookie"`
	Match        Match  `json:"match"`
	PacketCount  uint64 `json:"packet_count"`
	ByteCount    uint64 `json:"byte_count"`
	DurationSec  uint32 `json:"duration_sec"`
	DurationNsec uint32 `json:"duration_nsec"`
}

// Duration returns how long the flow has been installed
func (s FlowStat) Duration() time.Duration {
	return time.Duration(s.DurationSec)*time.Second + time.Duration(s.DurationNsec)
}

// PortStat is one row of a port statistics reply
type PortStat struct {
	PortNo    uint32 `json:"port_no"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
}

// PortSpeed is the throughput derived from two consecutive port replies
type PortSpeed struct {
	PortNo    uint32    `json:"port_no"`
	RxBps     float64   `json:"rx_bytes_per_sec"`
	TxBps     float64   `json:"tx_bytes_per_sec"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableStat is one row of a table statistics reply
type TableStat struct {
	TableID      uint8  `json:"table_id"`
	ActiveCount  uint32 `json:"active_count"`
	LookupCount  uint64 `json:"lookup_count"`
	MatchedCount uint64 `json:"matched_count"`
}

// FlowSample is one normalized observation of a flow's counters
type FlowSample struct {
	FlowID      string        `json:"flow_id"`
	SwitchID    uint64        `json:"switch_id"`
	Timestamp   time.Time     `json:"timestamp"`
	PacketCount uint64        `json:"packet_count"`
	ByteCount   uint64        `json:"byte_count"`
	Duration    time.Duration `json:"duration"`
	PacketRate  float64       `json:"packet_rate"`
	ByteRate    float64       `json:"byte_rate"`
}

// Baseline is the learned traffic profile of a flow
type Baseline struct {
	PacketRateMean float64   `json:"packet_rate_mean"`
	PacketRateStd  float64   `json:"packet_rate_std"`
	ByteRateMean   float64   `json:"byte_rate_mean"`
	ByteRateStd    float64   `json:"byte_rate_std"`
	SampleCount    int       `json:"sample_count"`
	EstablishedAt  time.Time `json:"established_at"`
}

// FlowID derives the flow identity used to key statistics series.
// IPv4 matches produce "src:sport->dst:dport[TCP]" style keys; anything
// else falls back to the ethernet addresses.
func FlowID(m Match) string {
	if m.IPv4Src != "" && m.IPv4Dst != "" {
		switch m.IPProto {
		case ProtoTCP:
			return fmt.Sprintf("%s:%d->%s:%d[TCP]", m.IPv4Src, m.TCPSrc, m.IPv4Dst, m.TCPDst)
		case ProtoUDP:
			return fmt.Sprintf("%s:%d->%s:%d[UDP]", m.IPv4Src, m.UDPSrc, m.IPv4Dst, m.UDPDst)
		case ProtoICMP:
			return fmt.Sprintf("%s->%s[ICMP]", m.IPv4Src, m.IPv4Dst)
		}
		return fmt.Sprintf("%s->%s[IP]", m.IPv4Src, m.IPv4Dst)
	}
	if m.EthType == EthTypeARP && m.EthSrc != "" {
		return fmt.Sprintf("%s->%s[ARP]", m.EthSrc, m.EthDst)
	}
	if m.EthSrc != "" || m.EthDst != "" {
		return fmt.Sprintf("%s->%s[0x%04x]", m.EthSrc, m.EthDst, m.EthType)
	}
	return ""
}
