package group

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMinQuality is the score a path must exceed to carry traffic
	DefaultMinQuality = 0.3
	maxGroupID        = 0xffff
)

// ErrNoViablePath is returned when no candidate clears the quality floor
var ErrNoViablePath = errors.New("no viable path")

// Device installs groups on a switch
type Device interface {
	InstallGroup(ctx context.Context, switchID uint64, command model.ModCommand, group model.Group) error
}

// Candidate is an output port with its path quality score
type Candidate struct {
	Port    uint32  `json:"port"`
	Quality float64 `json:"quality"`
}

// Decision is how a route forwards: through a group, or straight out a port
type Decision struct {
	GroupID uint32         `json:"group_id,omitempty"`
	Port    uint32         `json:"port,omitempty"`
	Buckets []model.Bucket `json:"buckets,omitempty"`
}

// Actions returns the flow actions implementing the decision
func (d Decision) Actions() []model.Action {
	if d.GroupID != 0 {
		return []model.Action{model.GroupAction(d.GroupID)}
	}
	return []model.Action{model.OutputAction(d.Port)}
}

// Manager owns the select and fast-failover groups of every switch,
// keyed by route
type Manager struct {
	mu         sync.RWMutex
	device     Device
	minQuality float64
	ids        map[uint64]*utils.IDAllocator
	groups     map[uint64]map[string]*model.Group
	metrics    *client.PrometheusMetrics
	logger     *logrus.Logger
}

func NewManager(device Device, minQuality float64, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Manager {
	if minQuality <= 0 || minQuality >= 1 {
		minQuality = DefaultMinQuality
	}
	return &Manager{
		device:     device,
		minQuality: minQuality,
		ids:        make(map[uint64]*utils.IDAllocator),
		groups:     make(map[uint64]map[string]*model.Group),
		metrics:    metrics,
		logger:     logger,
	}
}

// Weight converts a quality score to a select-bucket weight
func Weight(quality float64) uint16 {
	w := math.Round(quality * 100)
	if w < 1 {
		return 1
	}
	if w > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(w)
}

// SetMultipath spreads a route over every candidate scoring above the
// quality floor. Two or more survivors get a weighted select group; a
// single survivor is forwarded directly and any earlier group for the
// route is deleted.
func (m *Manager) SetMultipath(ctx context.Context, switchID uint64, routeKey string, candidates []Candidate) (Decision, error) {
	viable := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Quality > m.minQuality && c.Port != 0 {
			viable = append(viable, c)
		}
	}

	switch len(viable) {
	case 0:
		return Decision{}, fmt.Errorf("route %s on switch %d: %w", routeKey, switchID, ErrNoViablePath)
	case 1:
		m.dropGroup(ctx, switchID, routeKey)
		m.logger.Infof("[Group] Route %s on switch %d is single-path via port %d", routeKey, switchID, viable[0].Port)
		return Decision{Port: viable[0].Port}, nil
	}

	buckets := make([]model.Bucket, 0, len(viable))
	for _, c := range viable {
		buckets = append(buckets, model.Bucket{Port: c.Port, Weight: Weight(c.Quality)})
	}

	id, err := m.install(ctx, switchID, routeKey, model.GroupSelect, buckets)
	if err != nil {
		return Decision{}, err
	}
	return Decision{GroupID: id, Buckets: buckets}, nil
}

// SetFailover builds a fast-failover group: primary first, then backups in
// order, each bucket watching its own port
func (m *Manager) SetFailover(ctx context.Context, switchID uint64, routeKey string, primary uint32, backups []uint32) (uint32, error) {
	if primary == 0 {
		return 0, &model.ValidationError{Field: "primary", Reason: "required"}
	}
	if len(backups) == 0 {
		return 0, &model.ValidationError{Field: "backups", Reason: "at least one backup port is required"}
	}

	buckets := []model.Bucket{{Port: primary, WatchPort: primary}}
	seen := map[uint32]bool{primary: true}
	for _, port := range backups {
		if port == 0 || seen[port] {
			return 0, &model.ValidationError{Field: "backups", Reason: fmt.Sprintf("invalid or duplicate port %d", port)}
		}
		seen[port] = true
		buckets = append(buckets, model.Bucket{Port: port, WatchPort: port})
	}

	return m.install(ctx, switchID, routeKey, model.GroupFastFailover, buckets)
}

func (m *Manager) install(ctx context.Context, switchID uint64, routeKey string, groupType model.GroupType, buckets []model.Bucket) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc := m.ids[switchID]
	if alloc == nil {
		alloc = utils.NewIDAllocator(1, maxGroupID)
		m.ids[switchID] = alloc
	}

	existing := m.groups[switchID][routeKey]
	id, err := alloc.Acquire(routeKey)
	if err != nil {
		return 0, fmt.Errorf("allocate group for %s: %w", routeKey, err)
	}

	command := model.ModAdd
	if existing != nil {
		command = model.ModModify
	}
	group := model.Group{ID: id, SwitchID: switchID, RouteKey: routeKey, Type: groupType, Buckets: buckets}

	if err := m.device.InstallGroup(ctx, switchID, command, group); err != nil {
		if existing == nil {
			alloc.Release(routeKey)
		}
		return 0, fmt.Errorf("install %s group %d on switch %d: %w", groupType, id, switchID, err)
	}

	if m.groups[switchID] == nil {
		m.groups[switchID] = make(map[string]*model.Group)
	}
	m.groups[switchID][routeKey] = &group
	m.metrics.SetGroups(m.countLocked())

	m.logger.Infof("[Group] %s %s group %d on switch %d with %d buckets", command, groupType, id, switchID, len(buckets))
	return id, nil
}

func (m *Manager) dropGroup(ctx context.Context, switchID uint64, routeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[switchID][routeKey]
	if !ok {
		return
	}
	if err := m.device.InstallGroup(ctx, switchID, model.ModDelete, *group); err != nil {
		m.logger.Warnf("[Group] Failed to delete group %d on switch %d: %v", group.ID, switchID, err)
	}
	delete(m.groups[switchID], routeKey)
	m.ids[switchID].Release(routeKey)
	m.metrics.SetGroups(m.countLocked())
}

// Remove deletes a route's group, if any
func (m *Manager) Remove(ctx context.Context, switchID uint64, routeKey string) {
	m.dropGroup(ctx, switchID, routeKey)
}

// PurgeSwitch forgets a disconnected switch's groups without device commands
func (m *Manager) PurgeSwitch(switchID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, switchID)
	delete(m.ids, switchID)
	m.metrics.SetGroups(m.countLocked())
}

func (m *Manager) Get(switchID uint64, routeKey string) (model.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[switchID][routeKey]
	if !ok {
		return model.Group{}, false
	}
	return *group, true
}

// List returns a switch's groups ordered by id
func (m *Manager) List(switchID uint64) []model.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Group, 0, len(m.groups[switchID]))
	for _, group := range m.groups[switchID] {
		result = append(result, *group)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Manager) countLocked() int {
	n := 0
	for _, groups := range m.groups {
		n += len(groups)
	}
	return n
}
