package meter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

// MaxMeterID is the top of the meter id space; 0 is never handed out
const MaxMeterID = 0xffff

// Device installs meters on a switch
type Device interface {
	InstallMeter(ctx context.Context, switchID uint64, command model.ModCommand, meter model.Meter) error
}

// Manager tracks which meter rate-limits which policy on each switch.
// A policy key owns one meter id across every switch.
type Manager struct {
	mu      sync.RWMutex
	device  Device
	ids     *utils.IDAllocator
	meters  map[uint64]map[string]*model.Meter
	metrics *client.PrometheusMetrics
	logger  *logrus.Logger
}

func NewManager(device Device, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Manager {
	return &Manager{
		device:  device,
		ids:     utils.NewIDAllocator(1, MaxMeterID),
		meters:  make(map[uint64]map[string]*model.Meter),
		metrics: metrics,
		logger:  logger,
	}
}

// DefaultBurst is the burst size used when none is given
func DefaultBurst(rateKbps uint32) uint32 {
	burst := rateKbps / 10
	if burst == 0 {
		burst = 1
	}
	return burst
}

// EnsureMeter returns the meter rate-limiting policyKey on the switch,
// installing it on first use. Repeating a call with the same rate issues
// no device command; a changed rate modifies the meter in place.
func (m *Manager) EnsureMeter(ctx context.Context, switchID uint64, policyKey string, rateKbps, burstKb uint32) (uint32, error) {
	if policyKey == "" {
		return 0, &model.ValidationError{Field: "policy_key", Reason: "required"}
	}
	if rateKbps == 0 {
		return 0, &model.ValidationError{Field: "bandwidth", Reason: "meter rate must be positive"}
	}
	if burstKb == 0 {
		burstKb = DefaultBurst(rateKbps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.meters[switchID][policyKey]
	if existing != nil && existing.RateKbps == rateKbps && existing.BurstKb == burstKb {
		return existing.ID, nil
	}

	id, err := m.ids.Acquire(policyKey)
	if err != nil {
		return 0, fmt.Errorf("allocate meter for %s: %w", policyKey, err)
	}

	command := model.ModAdd
	if existing != nil {
		command = model.ModModify
	}
	meter := model.Meter{
		ID:        id,
		SwitchID:  switchID,
		PolicyKey: policyKey,
		RateKbps:  rateKbps,
		BurstKb:   burstKb,
		Band:      model.BandDrop,
	}

	if err := m.device.InstallMeter(ctx, switchID, command, meter); err != nil {
		if existing == nil && !m.ownedElsewhereLocked(switchID, policyKey) {
			m.ids.Release(policyKey)
		}
		return 0, fmt.Errorf("install meter %d for %s on switch %d: %w", id, policyKey, switchID, err)
	}

	if m.meters[switchID] == nil {
		m.meters[switchID] = make(map[string]*model.Meter)
	}
	m.meters[switchID][policyKey] = &meter
	m.metrics.SetMeters(m.countLocked())

	m.logger.Infof("[Meter] %s meter %d on switch %d for %s (%d kbps, burst %d)", command, id, switchID, policyKey, rateKbps, burstKb)
	return id, nil
}

// Release deletes the policy's meter from every switch and frees its id.
// Switches that reject the delete keep their registration.
func (m *Manager) Release(ctx context.Context, policyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for switchID, meters := range m.meters {
		meter, ok := meters[policyKey]
		if !ok {
			continue
		}
		if err := m.device.InstallMeter(ctx, switchID, model.ModDelete, *meter); err != nil {
			errs = append(errs, fmt.Errorf("delete meter %d on switch %d: %w", meter.ID, switchID, err))
			continue
		}
		delete(meters, policyKey)
		if len(meters) == 0 {
			delete(m.meters, switchID)
		}
	}

	if !m.ownedAnywhereLocked(policyKey) {
		m.ids.Release(policyKey)
	}
	m.metrics.SetMeters(m.countLocked())
	return errors.Join(errs...)
}

// PurgeSwitch forgets a disconnected switch's meters without device commands
func (m *Manager) PurgeSwitch(switchID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meters := m.meters[switchID]
	delete(m.meters, switchID)
	for key := range meters {
		if !m.ownedElsewhereLocked(switchID, key) {
			m.ids.Release(key)
		}
	}
	m.metrics.SetMeters(m.countLocked())
}

func (m *Manager) Get(switchID uint64, policyKey string) (model.Meter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meter, ok := m.meters[switchID][policyKey]
	if !ok {
		return model.Meter{}, false
	}
	return *meter, true
}

// List returns a switch's meters ordered by id
func (m *Manager) List(switchID uint64) []model.Meter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Meter, 0, len(m.meters[switchID]))
	for _, meter := range m.meters[switchID] {
		result = append(result, *meter)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ownedElsewhereLocked reports whether any switch other than skip holds a
// meter for key
func (m *Manager) ownedElsewhereLocked(skip uint64, key string) bool {
	for switchID, meters := range m.meters {
		if switchID == skip {
			continue
		}
		if _, ok := meters[key]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) ownedAnywhereLocked(key string) bool {
	for _, meters := range m.meters {
		if _, ok := meters[key]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) countLocked() int {
	n := 0
	for _, meters := range m.meters {
		n += len(meters)
	}
	return n
}
