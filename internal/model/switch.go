package model

import (
	"fmt"
	"time"
)

// SwitchState is the connection lifecycle of a datapath
type SwitchState int32

const (
	SwitchDisconnected SwitchState = 0
	SwitchConnected    SwitchState = 1
	SwitchActive       SwitchState = 2
)

func (s SwitchState) String() string {
	switch s {
	case SwitchConnected:
		return "CONNECTED"
	case SwitchActive:
		return "ACTIVE"
	default:
		return "DISCONNECTED"
	}
}

func (s SwitchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SwitchState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "DISCONNECTED":
		*s = SwitchDisconnected
	case "CONNECTED":
		*s = SwitchConnected
	case "ACTIVE":
		*s = SwitchActive
	default:
		return fmt.Errorf("unknown switch state %q", text)
	}
	return nil
}

// Switch is a connected forwarding device
type Switch struct {
	DatapathID      uint64      `json:"datapath_id"`
	Active          bool        `json:"active"`
	Ports           []uint32    `json:"ports"`
	ProtocolVersion uint8       `json:"protocol_version"`
	State           SwitchState `json:"state"`
	Degraded        bool        `json:"degraded"`
	LastError       string      `json:"last_error,omitempty"`
	FailedOps       int         `json:"failed_ops"`
	ConnectedAt     time.Time   `json:"connected_at"`
}

// SwitchFeatures is what the protocol engine reports on connect
type SwitchFeatures struct {
	DatapathID      uint64   `json:"switch_id"`
	Ports           []uint32 `json:"ports,omitempty"`
	ProtocolVersion uint8    `json:"protocol_version,omitempty"`
	NTables         uint8    `json:"n_tables,omitempty"`
	Capabilities    uint32   `json:"capabilities,omitempty"`
}
