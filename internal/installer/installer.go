package installer

import (
	"context"
	"fmt"
	"sync"

	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// Priority bands. Policy flows start at encoder.PriorityPolicyMin; firewall
// flows sit above encoder.PriorityFirewallBase.
const (
	PriorityTableMiss uint16 = 0
	PriorityIPv4      uint16 = 1
	PriorityARP       uint16 = 2
	PriorityLearned   uint16 = 10
	PriorityRoute     uint16 = 50
)

const exactCookieMask = ^uint64(0)

// Device programs flow entries on a switch
type Device interface {
	InstallFlow(ctx context.Context, switchID uint64, command model.FlowCommand, entry model.FlowEntry) error
}

// SwitchTracker is the part of the switch registry the installer updates
type SwitchTracker interface {
	Activate(switchID uint64) bool
	MarkDegraded(switchID uint64, op, reason string)
	ClearDegraded(switchID uint64)
	ActiveIDs() []uint64
}

// RuleSet is the complete desired state of one family of flows on a
// switch. ID selects the upper cookie bits.
type RuleSet struct {
	ID      uint32
	Name    string
	Entries []model.FlowEntry
}

// RuleSetFunc builds a rule set for a particular switch
type RuleSetFunc func(ctx context.Context, switchID uint64) (RuleSet, error)

// Cookie tags a rule-set generation
func Cookie(setID, generation uint32) uint64 {
	return uint64(setID)<<32 | uint64(generation)
}

// DefaultFlows returns the entries every switch gets on connect, in
// installation order
func DefaultFlows() []model.FlowEntry {
	toController := []model.Action{model.OutputAction(model.PortController)}
	return []model.FlowEntry{
		{Priority: PriorityTableMiss, Actions: toController},
		{Priority: PriorityIPv4, Match: model.Match{EthType: model.EthTypeIPv4}, Actions: toController},
		{Priority: PriorityARP, Match: model.Match{EthType: model.EthTypeARP}, Actions: toController},
	}
}

// Installer pushes flows to switches. Rule sets are replaced by generation:
// the new generation is added under a fresh cookie and the previous one is
// deleted by exact cookie only after every add succeeded.
type Installer struct {
	device   Device
	switches SwitchTracker
	logger   *logrus.Logger

	mu          sync.Mutex
	generations map[uint64]map[uint32]uint32
	locks       map[uint64]*sync.Mutex
}

func New(device Device, switches SwitchTracker, logger *logrus.Logger) *Installer {
	return &Installer{
		device:      device,
		switches:    switches,
		logger:      logger,
		generations: make(map[uint64]map[uint32]uint32),
		locks:       make(map[uint64]*sync.Mutex),
	}
}

func (i *Installer) switchLock(switchID uint64) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	lock, ok := i.locks[switchID]
	if !ok {
		lock = &sync.Mutex{}
		i.locks[switchID] = lock
	}
	return lock
}

// Generation returns the installed generation of a rule set, 0 if none
func (i *Installer) Generation(switchID uint64, setID uint32) uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generations[switchID][setID]
}

func (i *Installer) setGeneration(switchID uint64, setID, gen uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generations[switchID] == nil {
		i.generations[switchID] = make(map[uint32]uint32)
	}
	i.generations[switchID][setID] = gen
}

// Bootstrap installs the default flows and then each rule set. The switch
// becomes ACTIVE only when everything was accepted.
func (i *Installer) Bootstrap(ctx context.Context, switchID uint64, sets []RuleSet) error {
	for _, entry := range DefaultFlows() {
		if err := i.InstallFlow(ctx, switchID, entry); err != nil {
			return fmt.Errorf("bootstrap switch %d: %w", switchID, err)
		}
	}

	for _, set := range sets {
		if err := i.Reconcile(ctx, switchID, set); err != nil {
			return fmt.Errorf("bootstrap switch %d: %w", switchID, err)
		}
	}

	i.switches.Activate(switchID)
	i.logger.Infof("[Installer] Switch %d bootstrapped with %d rule sets", switchID, len(sets))
	return nil
}

// Reconcile replaces the installed flows of set on one switch. On failure
// the previous generation stays in place and the switch is marked degraded.
func (i *Installer) Reconcile(ctx context.Context, switchID uint64, set RuleSet) error {
	lock := i.switchLock(switchID)
	lock.Lock()
	defer lock.Unlock()

	prev := i.Generation(switchID, set.ID)
	next := prev + 1
	if next == 0 {
		next = 1
	}
	cookie := Cookie(set.ID, next)

	for _, entry := range set.Entries {
		entry.Cookie = cookie
		if err := i.device.InstallFlow(ctx, switchID, model.FlowAdd, entry); err != nil {
			i.deviceError(switchID, "install_flow", err)
			i.deleteGeneration(ctx, switchID, cookie)
			return fmt.Errorf("reconcile %s on switch %d: %w", set.Name, switchID, err)
		}
	}

	i.setGeneration(switchID, set.ID, next)

	if prev != 0 {
		if err := i.deleteGeneration(ctx, switchID, Cookie(set.ID, prev)); err != nil {
			i.deviceError(switchID, "delete_flow", err)
			return fmt.Errorf("remove stale %s flows on switch %d: %w", set.Name, switchID, err)
		}
	}

	i.logger.Debugf("[Installer] Switch %d %s generation %d (%d flows)", switchID, set.Name, next, len(set.Entries))
	return nil
}

func (i *Installer) deleteGeneration(ctx context.Context, switchID uint64, cookie uint64) error {
	return i.device.InstallFlow(ctx, switchID, model.FlowDelete, model.FlowEntry{
		Cookie:     cookie,
		CookieMask: exactCookieMask,
	})
}

// ReconcileAll reconciles a rule set on every active switch concurrently.
// The result holds only the switches that failed.
func (i *Installer) ReconcileAll(ctx context.Context, build RuleSetFunc) map[uint64]error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[uint64]error)
	)

	for _, id := range i.switches.ActiveIDs() {
		wg.Add(1)
		go func(switchID uint64) {
			defer wg.Done()

			set, err := build(ctx, switchID)
			if err == nil {
				err = i.Reconcile(ctx, switchID, set)
			}
			if err != nil {
				mu.Lock()
				failed[switchID] = err
				mu.Unlock()
				return
			}
			i.switches.ClearDegraded(switchID)
		}(id)
	}
	wg.Wait()

	if len(failed) > 0 {
		i.logger.Warnf("[Installer] Reconcile failed on %d switches", len(failed))
	}
	return failed
}

// InstallFlow adds a single entry outside any rule set
func (i *Installer) InstallFlow(ctx context.Context, switchID uint64, entry model.FlowEntry) error {
	if err := i.device.InstallFlow(ctx, switchID, model.FlowAdd, entry); err != nil {
		i.deviceError(switchID, "install_flow", err)
		return err
	}
	return nil
}

// InstallInSet adds an entry under the installed generation of a rule set,
// so the next reconcile of that set removes it with the rest
func (i *Installer) InstallInSet(ctx context.Context, switchID uint64, setID uint32, entry model.FlowEntry) error {
	lock := i.switchLock(switchID)
	lock.Lock()
	defer lock.Unlock()

	gen := i.Generation(switchID, setID)
	if gen == 0 {
		return fmt.Errorf("rule set %d not installed on switch %d", setID, switchID)
	}
	entry.Cookie = Cookie(setID, gen)
	return i.InstallFlow(ctx, switchID, entry)
}

// RemoveFlow deletes the entry with exactly this match and priority
func (i *Installer) RemoveFlow(ctx context.Context, switchID uint64, entry model.FlowEntry) error {
	if err := i.device.InstallFlow(ctx, switchID, model.FlowDeleteStrict, entry); err != nil {
		i.deviceError(switchID, "delete_flow", err)
		return err
	}
	return nil
}

// Forget drops the generation bookkeeping of a disconnected switch
func (i *Installer) Forget(switchID uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.generations, switchID)
	delete(i.locks, switchID)
}

func (i *Installer) deviceError(switchID uint64, op string, err error) {
	i.logger.WithFields(logrus.Fields{
		"switch": switchID,
		"op":     op,
	}).Errorf("[Installer] Device rejected operation: %v", err)
	i.switches.MarkDegraded(switchID, op, err.Error())
}
