package controller

import (
	"context"
	"fmt"

	"sdn-guard/internal/encoder"
	"sdn-guard/internal/installer"
	"sdn-guard/internal/model"
	"sdn-guard/internal/policy"
)

// MutationResult reports a policy change and the switches that could not
// be brought up to date. The change itself is kept either way.
type MutationResult struct {
	Rule           model.PolicyRule  `json:"rule"`
	FailedSwitches map[uint64]string `json:"failed_switches,omitempty"`
}

// SliceMeterKey is the meter policy key of a slice
func SliceMeterKey(sliceID string) string {
	return "slice:" + sliceID
}

func (c *Controller) firewallRuleSet(ctx context.Context, switchID uint64) (installer.RuleSet, error) {
	set := installer.RuleSet{ID: FirewallRuleSet, Name: "firewall"}
	for _, rule := range c.firewall.List() {
		entries, err := encoder.Encode(&rule, 0)
		if err != nil {
			return set, fmt.Errorf("encode firewall rule %s: %w", rule.ID, err)
		}
		set.Entries = append(set.Entries, entries...)
	}
	return set, nil
}

// sliceRuleSet ensures the meter of every bandwidth-limited slice exists on
// the switch. Slice flows are installed per conversation on packet-in and
// join the set's current generation, so the set itself carries no entries
// and a reconcile sweeps flows built from the previous slice definitions.
func (c *Controller) sliceRuleSet(ctx context.Context, switchID uint64) (installer.RuleSet, error) {
	set := installer.RuleSet{ID: SliceRuleSet, Name: "slices"}
	for _, rule := range c.slices.List() {
		if rate := rule.RateKbps(); rate > 0 {
			if _, err := c.meters.EnsureMeter(ctx, switchID, SliceMeterKey(rule.ID), rate, rule.Burst); err != nil {
				return set, fmt.Errorf("meter for slice %s: %w", rule.ID, err)
			}
		}
	}
	return set, nil
}

func (c *Controller) storeFor(kind model.RuleKind) (*policy.Store, installer.RuleSetFunc) {
	if kind == model.KindSlice {
		return c.slices, c.sliceRuleSet
	}
	return c.firewall, c.firewallRuleSet
}

// commit persists the store and reconciles its rule set on every active switch
func (c *Controller) commit(ctx context.Context, kind model.RuleKind, rule model.PolicyRule) MutationResult {
	store, build := c.storeFor(kind)

	if err := store.Save(); err != nil {
		c.logger.Errorf("[Controller] Failed to persist %s rules: %v", kind, err)
	}

	result := MutationResult{Rule: rule}
	if failed := c.installer.ReconcileAll(ctx, build); len(failed) > 0 {
		result.FailedSwitches = make(map[uint64]string, len(failed))
		for id, err := range failed {
			result.FailedSwitches[id] = err.Error()
		}
	}
	return result
}

func (c *Controller) createRule(ctx context.Context, kind model.RuleKind, rule model.PolicyRule) (MutationResult, error) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	store, _ := c.storeFor(kind)
	created, err := store.Create(rule)
	if err != nil {
		return MutationResult{}, err
	}
	c.logger.Infof("[Controller] Created %s rule %s (priority %d)", kind, created.ID, created.Priority)
	return c.commit(ctx, kind, created), nil
}

func (c *Controller) updateRule(ctx context.Context, kind model.RuleKind, id string, rule model.PolicyRule) (MutationResult, error) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	store, _ := c.storeFor(kind)
	prev, _ := store.Get(id)
	updated, err := store.Update(id, rule)
	if err != nil {
		return MutationResult{}, err
	}
	c.logger.Infof("[Controller] Updated %s rule %s", kind, id)

	result := c.commit(ctx, kind, updated)
	if kind == model.KindSlice && prev.RateKbps() > 0 && updated.RateKbps() == 0 {
		c.releaseSliceMeter(ctx, id)
	}
	return result, nil
}

func (c *Controller) deleteRule(ctx context.Context, kind model.RuleKind, id string) (MutationResult, error) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	store, _ := c.storeFor(kind)
	deleted, err := store.Delete(id)
	if err != nil {
		return MutationResult{}, err
	}
	c.logger.Infof("[Controller] Deleted %s rule %s", kind, id)

	// flows referencing the meter are gone once the reconcile finishes
	result := c.commit(ctx, kind, deleted)
	if kind == model.KindSlice && deleted.RateKbps() > 0 {
		c.releaseSliceMeter(ctx, id)
	}
	return result, nil
}

func (c *Controller) releaseSliceMeter(ctx context.Context, sliceID string) {
	if err := c.meters.Release(ctx, SliceMeterKey(sliceID)); err != nil {
		c.logger.Warnf("[Controller] Failed to release meter of slice %s: %v", sliceID, err)
	}
}

func (c *Controller) CreateFirewallRule(ctx context.Context, rule model.PolicyRule) (MutationResult, error) {
	return c.createRule(ctx, model.KindFirewall, rule)
}

func (c *Controller) UpdateFirewallRule(ctx context.Context, id string, rule model.PolicyRule) (MutationResult, error) {
	return c.updateRule(ctx, model.KindFirewall, id, rule)
}

func (c *Controller) DeleteFirewallRule(ctx context.Context, id string) (MutationResult, error) {
	return c.deleteRule(ctx, model.KindFirewall, id)
}

func (c *Controller) CreateSlice(ctx context.Context, rule model.PolicyRule) (MutationResult, error) {
	return c.createRule(ctx, model.KindSlice, rule)
}

func (c *Controller) UpdateSlice(ctx context.Context, id string, rule model.PolicyRule) (MutationResult, error) {
	return c.updateRule(ctx, model.KindSlice, id, rule)
}

func (c *Controller) DeleteSlice(ctx context.Context, id string) (MutationResult, error) {
	return c.deleteRule(ctx, model.KindSlice, id)
}

func (c *Controller) Firewall() *policy.Store { return c.firewall }
func (c *Controller) Slices() *policy.Store   { return c.slices }
