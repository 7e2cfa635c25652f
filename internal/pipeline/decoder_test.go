package pipeline

import (
	"context"
	"io"
	"net"
	"testing"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/rules"
	"sdn-guard/internal/rules/builtin"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hostA = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	hostB = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpFrame(t *testing.T, src, dst string, dport uint16, syn, ack bool) []byte {
	eth := &layers.Ethernet{SrcMAC: hostA, DstMAC: hostB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.ParseIP(src), DstIP: net.ParseIP(dst)}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), SYN: syn, ACK: ack, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp)
}

func TestDecodeTCP(t *testing.T) {
	pkt, err := Decode(7, 3, tcpFrame(t, "10.0.0.1", "10.0.0.2", 80, true, false))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), pkt.SwitchID)
	assert.Equal(t, uint32(3), pkt.InPort)
	assert.Equal(t, "00:00:00:00:00:01", pkt.EthSrc)
	assert.Equal(t, "00:00:00:00:00:02", pkt.EthDst)
	assert.Equal(t, model.EthTypeIPv4, pkt.EthType)
	assert.Equal(t, "10.0.0.1", pkt.SrcIP)
	assert.Equal(t, "10.0.0.2", pkt.DstIP)
	assert.Equal(t, model.ProtoTCP, pkt.Protocol)
	assert.Equal(t, uint16(40000), pkt.SrcPort)
	assert.Equal(t, uint16(80), pkt.DstPort)
	require.NotNil(t, pkt.TCPFlags)
	assert.True(t, pkt.IsSYN())
}

func TestDecodeVLANTaggedUDP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: hostA, DstMAC: hostB, EthernetType: layers.EthernetTypeDot1Q}
	vlan := &layers.Dot1Q{VLANIdentifier: 20, Type: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP("10.0.2.1"), DstIP: net.ParseIP("10.0.2.2")}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	pkt, err := Decode(1, 1, serialize(t, eth, vlan, ip, udp, gopacket.Payload([]byte("query"))))
	require.NoError(t, err)
	assert.Equal(t, uint16(20), pkt.VlanID)
	assert.Equal(t, model.EthTypeIPv4, pkt.EthType)
	assert.Equal(t, model.ProtoUDP, pkt.Protocol)
	assert.Equal(t, uint16(53), pkt.DstPort)
	assert.Nil(t, pkt.TCPFlags)
}

func TestDecodeARP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: hostA, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   hostA,
		SourceProtAddress: net.ParseIP("10.0.0.1").To4(),
		DstHwAddress:      make(net.HardwareAddr, 6),
		DstProtAddress:    net.ParseIP("10.0.0.2").To4(),
	}

	pkt, err := Decode(1, 2, serialize(t, eth, arp))
	require.NoError(t, err)
	assert.Equal(t, model.EthTypeARP, pkt.EthType)
	assert.Equal(t, "ff:ff:ff:ff:ff:ff", pkt.EthDst)
	assert.False(t, pkt.IsIPv4())
}

func TestDecodeLLDPAndShortFrames(t *testing.T) {
	frame := make([]byte, 60)
	copy(frame[0:6], []byte{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e})
	copy(frame[6:12], hostA)
	frame[12], frame[13] = 0x88, 0xcc

	pkt, err := Decode(1, 1, frame)
	require.NoError(t, err)
	assert.True(t, IsLLDP(pkt))

	_, err = Decode(1, 1, frame[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestProcessorRunsRules(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := rules.NewEngine(logger)
	engine.RegisterRule(builtin.NewSynFloodRule(true, "", 2, 0, builtin.TriggerEdge, clock.NewMock(), logger))
	metrics := client.NewPrometheusMetrics(prometheus.NewRegistry())
	p := NewProcessor(engine, metrics, logger)

	frame := tcpFrame(t, "10.0.0.66", "10.0.0.2", 80, true, false)
	var alerts []model.Alert
	for i := 0; i < 3; i++ {
		pkt, a, err := p.Process(context.Background(), model.PacketIn{SwitchID: 1, InPort: 1, Data: frame})
		require.NoError(t, err)
		require.NotNil(t, pkt)
		alerts = append(alerts, a...)
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertSYNFlood, alerts[0].Type)

	_, _, err := p.Process(context.Background(), model.PacketIn{SwitchID: 1, Data: []byte{1, 2}})
	assert.Error(t, err)
}
