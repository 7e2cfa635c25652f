package model

import "strings"

// IP protocol numbers
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Packet is the normalized descriptor of a packet-in frame
type Packet struct {
	SwitchID uint64    `json:"switch_id"`
	InPort   uint32    `json:"in_port"`
	EthSrc   string    `json:"eth_src"`
	EthDst   string    `json:"eth_dst"`
	EthType  uint16    `json:"eth_type"`
	VlanID   uint16    `json:"vlan_id,omitempty"`
	SrcIP    string    `json:"src_ip,omitempty"`
	DstIP    string    `json:"dst_ip,omitempty"`
	Protocol uint8     `json:"protocol,omitempty"`
	SrcPort  uint16    `json:"src_port,omitempty"`
	DstPort  uint16    `json:"dst_port,omitempty"`
	TCPFlags *TCPFlags `json:"tcp_flags,omitempty"`
	Length   int       `json:"length"`
}

func (p *Packet) IsIPv4() bool {
	return p.EthType == EthTypeIPv4 && p.SrcIP != ""
}

func (p *Packet) IsTCP() bool {
	return p.IsIPv4() && p.Protocol == ProtoTCP
}

// IsSYN reports a connection-opening segment: SYN set, ACK clear
func (p *Packet) IsSYN() bool {
	return p.IsTCP() && p.TCPFlags != nil && p.TCPFlags.SYN && !p.TCPFlags.ACK
}

// TCPFlags represents TCP flags
type TCPFlags struct {
	SYN bool `json:"syn"`
	ACK bool `json:"ack"`
	FIN bool `json:"fin"`
	RST bool `json:"rst"`
	PSH bool `json:"psh"`
	URG bool `json:"urg"`
}

func (f *TCPFlags) String() string {
	var flags []string
	if f.SYN {
		flags = append(flags, "SYN")
	}
	if f.ACK {
		flags = append(flags, "ACK")
	}
	if f.FIN {
		flags = append(flags, "FIN")
	}
	if f.RST {
		flags = append(flags, "RST")
	}
	if f.PSH {
		flags = append(flags, "PSH")
	}
	if f.URG {
		flags = append(flags, "URG")
	}

	if len(flags) == 0 {
		return "NONE"
	}
	return strings.Join(flags, ",")
}
