package switches

import (
	"net"
	"sort"
	"sync"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Registry owns the connected switches and their MAC learning tables.
// A disconnect drops both; a reconnect starts from a fresh record.
type Registry struct {
	mu       sync.RWMutex
	switches map[uint64]*model.Switch
	macs     map[uint64]map[string]uint32
	clock    clock.Clock
	metrics  *client.PrometheusMetrics
	logger   *logrus.Logger
}

func NewRegistry(clk clock.Clock, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		switches: make(map[uint64]*model.Switch),
		macs:     make(map[uint64]map[string]uint32),
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// Connect registers a switch in the CONNECTED state
func (r *Registry) Connect(features model.SwitchFeatures) model.Switch {
	ports := append([]uint32(nil), features.Ports...)
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	sw := &model.Switch{
		DatapathID:      features.DatapathID,
		Active:          true,
		Ports:           ports,
		ProtocolVersion: features.ProtocolVersion,
		State:           model.SwitchConnected,
		ConnectedAt:     r.clock.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.switches[sw.DatapathID]; exists {
		r.logger.Warnf("[Switch] Switch %d reconnected, discarding previous state", sw.DatapathID)
	}
	r.switches[sw.DatapathID] = sw
	r.macs[sw.DatapathID] = make(map[string]uint32)
	r.updateGaugesLocked()
	return *sw
}

// Disconnect removes the switch and its MAC table
func (r *Registry) Disconnect(switchID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.switches[switchID]; !ok {
		return false
	}
	delete(r.switches, switchID)
	delete(r.macs, switchID)
	r.updateGaugesLocked()
	return true
}

// Activate moves a bootstrapped switch to ACTIVE
func (r *Registry) Activate(switchID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sw, ok := r.switches[switchID]
	if !ok {
		return false
	}
	sw.State = model.SwitchActive
	return true
}

// MarkDegraded records a failed device operation on the switch
func (r *Registry) MarkDegraded(switchID uint64, op, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sw, ok := r.switches[switchID]
	if !ok {
		return
	}
	sw.Degraded = true
	sw.FailedOps++
	if op != "" {
		sw.LastError = op + ": " + reason
	} else {
		sw.LastError = reason
	}
	r.updateGaugesLocked()
}

// ClearDegraded resets the degraded flag after a clean reconcile
func (r *Registry) ClearDegraded(switchID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sw, ok := r.switches[switchID]; ok && sw.Degraded {
		sw.Degraded = false
		r.updateGaugesLocked()
	}
}

func (r *Registry) Get(switchID uint64) (model.Switch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw, ok := r.switches[switchID]
	if !ok {
		return model.Switch{}, false
	}
	out := *sw
	out.Ports = append([]uint32(nil), sw.Ports...)
	return out, true
}

// List returns all switches ordered by datapath id
func (r *Registry) List() []model.Switch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.Switch, 0, len(r.switches))
	for _, sw := range r.switches {
		out := *sw
		out.Ports = append([]uint32(nil), sw.Ports...)
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DatapathID < result[j].DatapathID })
	return result
}

// IDs returns the datapath ids of every connected switch
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.switches))
	for id := range r.switches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveIDs returns the switches that finished bootstrapping
func (r *Registry) ActiveIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.switches))
	for id, sw := range r.switches {
		if sw.State == model.SwitchActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PendingIDs returns the connected switches still waiting for a successful
// bootstrap
func (r *Registry) PendingIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uint64
	for id, sw := range r.switches {
		if sw.State != model.SwitchActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Learn records that mac was seen on port. It returns true when the entry
// is new or the host moved. Group and malformed addresses are never learned.
func (r *Registry) Learn(switchID uint64, mac string, port uint32) bool {
	hw, ok := parseEthernetMAC(mac)
	if !ok || hw[0]&0x01 == 1 {
		return false
	}
	mac = hw.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.macs[switchID]
	if !ok {
		return false
	}
	if prev, seen := table[mac]; seen && prev == port {
		return false
	}
	table[mac] = port
	return true
}

// Lookup returns the port a MAC was learned on
func (r *Registry) Lookup(switchID uint64, mac string) (uint32, bool) {
	hw, ok := parseEthernetMAC(mac)
	if !ok {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.macs[switchID][hw.String()]
	return port, ok
}

// MACTable returns a copy of a switch's learned addresses
func (r *Registry) MACTable(switchID uint64) map[string]uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := make(map[string]uint32, len(r.macs[switchID]))
	for mac, port := range r.macs[switchID] {
		table[mac] = port
	}
	return table
}

func (r *Registry) updateGaugesLocked() {
	degraded := 0
	for _, sw := range r.switches {
		if sw.Degraded {
			degraded++
		}
	}
	r.metrics.SetSwitchCounts(len(r.switches), degraded)
}

// parseEthernetMAC accepts only 48-bit addresses
func parseEthernetMAC(mac string) (net.HardwareAddr, bool) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, false
	}
	return hw, true
}
