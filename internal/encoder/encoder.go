// Package encoder translates declarative policy rules into switch-independent
// matches, action lists and flow entries. Every function is pure.
package encoder

import (
	"fmt"
	"strings"

	"sdn-guard/internal/model"
)

// Priority bands shared with the installer. Slices sit in
// [PriorityPolicyMin, PrioritySliceMax]; firewall rules are offset by
// PriorityFirewallBase so any firewall flow outranks any slice flow.
const (
	PriorityPolicyMin    uint16 = 11
	PrioritySliceMax     uint16 = 999
	PriorityFirewallBase uint16 = 1000
	PriorityMax          uint16 = 65535

	DefaultFirewallPriority = 100
	DefaultSlicePriority    = 10

	maxVLAN = 4095
)

// ProtocolNumber maps a rule protocol name to an IP protocol number.
// Wildcards map to 0.
func ProtocolNumber(name string) (uint8, error) {
	if model.IsWildcard(name) {
		return 0, nil
	}
	proto, ok := model.ProtocolNumbers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, &model.ValidationError{Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", name)}
	}
	return proto, nil
}

// Validate rejects rules that cannot be encoded
func Validate(rule *model.PolicyRule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return &model.ValidationError{Field: "id", Reason: "required"}
	}
	if rule.Action == "" {
		return &model.ValidationError{Field: "action", Reason: "required"}
	}
	switch rule.Action {
	case model.PolicyAllow, model.PolicyDeny:
	case model.PolicyOutput:
		if rule.OutPort == 0 {
			return &model.ValidationError{Field: "out_port", Reason: "required for output action"}
		}
	default:
		return &model.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", rule.Action)}
	}

	if rule.Priority < 0 || rule.Priority > int(PriorityMax) {
		return &model.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between 0 and %d", PriorityMax)}
	}
	if rule.Bandwidth < 0 {
		return &model.ValidationError{Field: "bandwidth", Reason: "cannot be negative"}
	}

	proto, err := ProtocolNumber(rule.Protocol)
	if err != nil {
		return err
	}
	if (rule.SrcPort != 0 || rule.DstPort != 0) && proto != model.ProtoTCP && proto != model.ProtoUDP {
		return &model.ValidationError{Field: "protocol", Reason: "ports require tcp or udp"}
	}

	for field, addr := range map[string]string{"src_ip": rule.SrcIP, "dst_ip": rule.DstIP} {
		if model.IsWildcard(addr) {
			continue
		}
		if _, err := model.ParseAddrOrPrefix(addr); err != nil {
			return &model.ValidationError{Field: field, Reason: fmt.Sprintf("invalid address %q", addr)}
		}
	}
	for _, host := range rule.Hosts {
		if _, err := model.ParseAddrOrPrefix(host); err != nil {
			return &model.ValidationError{Field: "hosts", Reason: fmt.Sprintf("invalid address %q", host)}
		}
	}
	for _, vid := range rule.VLANs {
		if vid == 0 || vid > maxVLAN {
			return &model.ValidationError{Field: "vlans", Reason: fmt.Sprintf("vlan id %d out of range", vid)}
		}
	}

	if rule.Kind == model.KindSlice && len(rule.Hosts) == 0 && len(rule.VLANs) == 0 {
		return &model.ValidationError{Field: "hosts", Reason: "slice needs at least one host or vlan"}
	}
	return nil
}

// EncodeMatches builds the matches covering a rule. Wildcard fields are
// omitted. A firewall rule yields one match per VLAN (or one match); a slice
// yields a source and a destination match per host plus one match per VLAN.
func EncodeMatches(rule *model.PolicyRule) ([]model.Match, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}

	if rule.Kind == model.KindSlice {
		return encodeSlice(rule), nil
	}

	var base model.Match
	if !model.IsWildcard(rule.SrcIP) {
		base.EthType = model.EthTypeIPv4
		base.IPv4Src = canonicalAddr(rule.SrcIP)
	}
	if !model.IsWildcard(rule.DstIP) {
		base.EthType = model.EthTypeIPv4
		base.IPv4Dst = canonicalAddr(rule.DstIP)
	}

	proto, _ := ProtocolNumber(rule.Protocol)
	if proto != 0 {
		base.EthType = model.EthTypeIPv4
		base.IPProto = proto
		switch proto {
		case model.ProtoTCP:
			base.TCPSrc = rule.SrcPort
			base.TCPDst = rule.DstPort
		case model.ProtoUDP:
			base.UDPSrc = rule.SrcPort
			base.UDPDst = rule.DstPort
		}
	}

	if len(rule.VLANs) == 0 {
		return []model.Match{base}, nil
	}
	matches := make([]model.Match, 0, len(rule.VLANs))
	for _, vid := range rule.VLANs {
		m := base
		m.VlanID = vid
		matches = append(matches, m)
	}
	return matches, nil
}

func encodeSlice(rule *model.PolicyRule) []model.Match {
	matches := make([]model.Match, 0, 2*len(rule.Hosts)+len(rule.VLANs))
	for _, host := range rule.Hosts {
		addr := canonicalAddr(host)
		matches = append(matches,
			model.Match{EthType: model.EthTypeIPv4, IPv4Src: addr},
			model.Match{EthType: model.EthTypeIPv4, IPv4Dst: addr},
		)
	}
	for _, vid := range rule.VLANs {
		matches = append(matches, model.Match{VlanID: vid})
	}
	return matches
}

// EncodeActions returns the action list for a rule. Deny yields no actions,
// which a switch treats as drop.
func EncodeActions(rule *model.PolicyRule) []model.Action {
	switch rule.Action {
	case model.PolicyAllow:
		return []model.Action{model.OutputAction(model.PortNormal)}
	case model.PolicyOutput:
		return []model.Action{model.OutputAction(rule.OutPort)}
	default:
		return []model.Action{}
	}
}

// DevicePriority maps a policy priority into the band of its rule kind.
// Rules without a kind are treated as firewall rules.
func DevicePriority(kind model.RuleKind, priority int) uint16 {
	if kind == model.KindSlice {
		return clampPriority(priority, PriorityPolicyMin, PrioritySliceMax)
	}
	if priority < 0 {
		priority = 0
	}
	return clampPriority(int(PriorityFirewallBase)+priority, PriorityFirewallBase+PriorityPolicyMin, PriorityMax)
}

func clampPriority(priority int, min, max uint16) uint16 {
	if priority < int(min) {
		return min
	}
	if priority > int(max) {
		return max
	}
	return uint16(priority)
}

// Encode produces the table-0 flow entries implementing a rule. A non-zero
// meterID attaches a meter instruction to every entry.
func Encode(rule *model.PolicyRule, meterID uint32) ([]model.FlowEntry, error) {
	matches, err := EncodeMatches(rule)
	if err != nil {
		return nil, err
	}

	priority := DevicePriority(rule.Kind, rule.Priority)
	entries := make([]model.FlowEntry, 0, len(matches))
	for _, m := range matches {
		entry := model.FlowEntry{
			Priority: priority,
			Match:    m,
			Actions:  EncodeActions(rule),
		}
		if meterID != 0 && rule.Action != model.PolicyDeny {
			entry.MeterID = meterID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func canonicalAddr(v string) string {
	prefix, err := model.ParseAddrOrPrefix(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	if prefix.IsSingleIP() {
		return prefix.Addr().String()
	}
	return prefix.String()
}
