package model

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"strings"
)

// RuleKind separates firewall rules from network slices
type RuleKind string

const (
	KindFirewall RuleKind = "firewall"
	KindSlice    RuleKind = "slice"
)

// PolicyAction is what happens to traffic matching a rule
type PolicyAction string

const (
	PolicyAllow  PolicyAction = "allow"
	PolicyDeny   PolicyAction = "deny"
	PolicyOutput PolicyAction = "output"
)

// Wildcard is the explicit "match everything" value for address and protocol fields
const Wildcard = "any"

// ProtocolNumbers maps rule protocol names to IP protocol numbers
var ProtocolNumbers = map[string]uint8{
	"tcp":  ProtoTCP,
	"udp":  ProtoUDP,
	"icmp": ProtoICMP,
}

// IsWildcard reports whether a rule field matches everything
func IsWildcard(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, Wildcard)
}

// PolicyRule is a declarative firewall rule or slice definition
type PolicyRule struct {
	ID          string       `json:"id"`
	Kind        RuleKind     `json:"kind,omitempty"`
	Priority    int          `json:"priority"`
	SrcIP       string       `json:"src_ip,omitempty"`
	DstIP       string       `json:"dst_ip,omitempty"`
	Protocol    string       `json:"protocol,omitempty"`
	SrcPort     uint16       `json:"src_port,omitempty"`
	DstPort     uint16       `json:"dst_port,omitempty"`
	VLANs       []uint16     `json:"vlans,omitempty"`
	Hosts       []string     `json:"hosts,omitempty"`
	Action      PolicyAction `json:"action"`
	OutPort     uint32       `json:"out_port,omitempty"`
	Bandwidth   float64      `json:"bandwidth,omitempty"`
	Burst       uint32       `json:"burst,omitempty"`
	Description string       `json:"description,omitempty"`
}

// UnmarshalJSON accepts "name" as an alias for "id" so older rule files load
func (r *PolicyRule) UnmarshalJSON(data []byte) error {
	type plain PolicyRule
	aux := struct {
		*plain
		Name string `json:"name"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = aux.Name
	}
	return nil
}

// RateKbps converts the Mbps bandwidth budget to a meter rate
func (r *PolicyRule) RateKbps() uint32 {
	if r.Bandwidth <= 0 {
		return 0
	}
	return uint32(math.Round(r.Bandwidth * 1000))
}

// ProtocolNumber returns the IP protocol of the rule, 0 for wildcard
func (r *PolicyRule) ProtocolNumber() uint8 {
	return ProtocolNumbers[strings.ToLower(strings.TrimSpace(r.Protocol))]
}

// Matches reports whether the packet satisfies the rule predicate.
// Firewall predicates are the conjunction of every set field; a slice
// claims a packet when either endpoint is a member host or its VLAN is listed.
func (r *PolicyRule) Matches(p *Packet) bool {
	if r.Kind == KindSlice {
		return r.matchesSlice(p)
	}

	if !addrMatches(r.SrcIP, p.SrcIP) || !addrMatches(r.DstIP, p.DstIP) {
		return false
	}

	if !IsWildcard(r.Protocol) {
		proto := r.ProtocolNumber()
		if proto == 0 || p.Protocol != proto {
			return false
		}
		if proto == ProtoTCP || proto == ProtoUDP {
			if r.SrcPort != 0 && p.SrcPort != r.SrcPort {
				return false
			}
			if r.DstPort != 0 && p.DstPort != r.DstPort {
				return false
			}
		}
	}

	if len(r.VLANs) > 0 && !containsVLAN(r.VLANs, p.VlanID) {
		return false
	}
	return true
}

func (r *PolicyRule) matchesSlice(p *Packet) bool {
	for _, host := range r.Hosts {
		if addrMatches(host, p.SrcIP) && p.SrcIP != "" {
			return true
		}
		if addrMatches(host, p.DstIP) && p.DstIP != "" {
			return true
		}
	}
	return p.VlanID != 0 && containsVLAN(r.VLANs, p.VlanID)
}

// ParseAddrOrPrefix parses an IPv4 address or CIDR network
func ParseAddrOrPrefix(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func addrMatches(pattern, ip string) bool {
	if IsWildcard(pattern) {
		return true
	}
	if ip == "" {
		return false
	}
	prefix, err := ParseAddrOrPrefix(pattern)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

func containsVLAN(vlans []uint16, vid uint16) bool {
	for _, v := range vlans {
		if v == vid {
			return true
		}
	}
	return false
}

// ValidationError is returned for malformed rules before they reach a switch
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
