package pipeline

import (
	"errors"
	"fmt"

	"sdn-guard/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrTruncated is returned for frames shorter than an Ethernet header
var ErrTruncated = errors.New("frame shorter than ethernet header")

const ethernetHeaderLen = 14

// Decode turns a raw packet-in frame into a packet descriptor. Layers the
// parser does not know are ignored, so an unsupported payload still yields
// the L2 fields.
func Decode(switchID uint64, inPort uint32, data []byte) (*model.Packet, error) {
	if len(data) < ethernetHeaderLen {
		return nil, ErrTruncated
	}

	var (
		eth   layers.Ethernet
		dot1q layers.Dot1Q
		ip4   layers.IPv4
		tcp   layers.TCP
		udp   layers.UDP
		icmp  layers.ICMPv4
		arp   layers.ARP
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &dot1q, &ip4, &tcp, &udp, &icmp, &arp)
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 4)
	if err := parser.DecodeLayers(data, &decoded); err != nil {
		// a truncated upper layer still leaves whatever decoded before it
		if len(decoded) == 0 {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
	}

	pkt := &model.Packet{
		SwitchID: switchID,
		InPort:   inPort,
		Length:   len(data),
	}

	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			pkt.EthSrc = eth.SrcMAC.String()
			pkt.EthDst = eth.DstMAC.String()
			pkt.EthType = uint16(eth.EthernetType)
		case layers.LayerTypeDot1Q:
			pkt.VlanID = dot1q.VLANIdentifier
			pkt.EthType = uint16(dot1q.Type)
		case layers.LayerTypeIPv4:
			pkt.SrcIP = ip4.SrcIP.String()
			pkt.DstIP = ip4.DstIP.String()
			pkt.Protocol = uint8(ip4.Protocol)
		case layers.LayerTypeTCP:
			pkt.SrcPort = uint16(tcp.SrcPort)
			pkt.DstPort = uint16(tcp.DstPort)
			pkt.TCPFlags = &model.TCPFlags{
				SYN: tcp.SYN,
				ACK: tcp.ACK,
				FIN: tcp.FIN,
				RST: tcp.RST,
				PSH: tcp.PSH,
				URG: tcp.URG,
			}
		case layers.LayerTypeUDP:
			pkt.SrcPort = uint16(udp.SrcPort)
			pkt.DstPort = uint16(udp.DstPort)
		}
	}

	return pkt, nil
}

// IsLLDP reports topology discovery frames, which the controller never forwards
func IsLLDP(p *model.Packet) bool {
	return p != nil && p.EthType == model.EthTypeLLDP
}
