package installer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"sdn-guard/internal/model"
	"sdn-guard/internal/switches"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowCall struct {
	switchID uint64
	command  model.FlowCommand
	entry    model.FlowEntry
}

type fakeDevice struct {
	mu    sync.Mutex
	calls []flowCall
	// failWhen rejects a call when it returns true
	failWhen func(call flowCall) bool
}

func (d *fakeDevice) InstallFlow(ctx context.Context, switchID uint64, command model.FlowCommand, entry model.FlowEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := flowCall{switchID, command, entry}
	if d.failWhen != nil && d.failWhen(call) {
		return errors.New("switch rejected flow")
	}
	d.calls = append(d.calls, call)
	return nil
}

func (d *fakeDevice) callsFor(switchID uint64) []flowCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []flowCall
	for _, c := range d.calls {
		if c.switchID == switchID {
			out = append(out, c)
		}
	}
	return out
}

func setup(ids ...uint64) (*Installer, *fakeDevice, *switches.Registry) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry := switches.NewRegistry(nil, nil, logger)
	for _, id := range ids {
		registry.Connect(model.SwitchFeatures{DatapathID: id})
	}
	device := &fakeDevice{}
	return New(device, registry, logger), device, registry
}

func denyTelnet() RuleSet {
	return RuleSet{
		ID:   1,
		Name: "firewall",
		Entries: []model.FlowEntry{{
			Priority: 100,
			Match:    model.Match{EthType: model.EthTypeIPv4, IPProto: model.ProtoTCP, TCPDst: 23},
		}},
	}
}

func TestBootstrapOrder(t *testing.T) {
	inst, device, registry := setup(1)

	require.NoError(t, inst.Bootstrap(context.Background(), 1, []RuleSet{denyTelnet()}))

	calls := device.callsFor(1)
	require.Len(t, calls, 4)
	assert.Equal(t, PriorityTableMiss, calls[0].entry.Priority)
	assert.True(t, calls[0].entry.Match.IsEmpty())
	assert.Equal(t, []model.Action{model.OutputAction(model.PortController)}, calls[0].entry.Actions)
	assert.Equal(t, PriorityIPv4, calls[1].entry.Priority)
	assert.Equal(t, model.EthTypeIPv4, calls[1].entry.Match.EthType)
	assert.Equal(t, PriorityARP, calls[2].entry.Priority)
	assert.Equal(t, model.EthTypeARP, calls[2].entry.Match.EthType)
	assert.Equal(t, uint16(100), calls[3].entry.Priority)
	assert.Equal(t, Cookie(1, 1), calls[3].entry.Cookie)

	sw, _ := registry.Get(1)
	assert.Equal(t, model.SwitchActive, sw.State)
	assert.False(t, sw.Degraded)
}

func TestBootstrapFailureDegrades(t *testing.T) {
	inst, device, registry := setup(1)
	device.failWhen = func(c flowCall) bool { return c.entry.Priority == PriorityARP }

	err := inst.Bootstrap(context.Background(), 1, []RuleSet{denyTelnet()})
	require.Error(t, err)

	sw, _ := registry.Get(1)
	assert.Equal(t, model.SwitchConnected, sw.State)
	assert.True(t, sw.Degraded)
	assert.Equal(t, 1, sw.FailedOps)
	assert.Len(t, device.callsFor(1), 2, "rule sets are not attempted after a failed default flow")
}

func TestReconcileReplacesGeneration(t *testing.T) {
	inst, device, _ := setup(1)
	ctx := context.Background()

	require.NoError(t, inst.Reconcile(ctx, 1, denyTelnet()))
	require.NoError(t, inst.Reconcile(ctx, 1, denyTelnet()))
	assert.Equal(t, uint32(2), inst.Generation(1, 1))

	calls := device.callsFor(1)
	require.Len(t, calls, 3)
	assert.Equal(t, model.FlowAdd, calls[0].command)
	assert.Equal(t, Cookie(1, 1), calls[0].entry.Cookie)
	assert.Equal(t, model.FlowAdd, calls[1].command)
	assert.Equal(t, Cookie(1, 2), calls[1].entry.Cookie)
	assert.Equal(t, model.FlowDelete, calls[2].command)
	assert.Equal(t, Cookie(1, 1), calls[2].entry.Cookie)
	assert.Equal(t, ^uint64(0), calls[2].entry.CookieMask)
}

func TestReconcileFailureKeepsPreviousGeneration(t *testing.T) {
	inst, device, registry := setup(1)
	ctx := context.Background()
	require.NoError(t, inst.Reconcile(ctx, 1, denyTelnet()))

	set := denyTelnet()
	set.Entries = append(set.Entries, model.FlowEntry{Priority: 200, Match: model.Match{EthType: model.EthTypeIPv4, IPv4Src: "10.0.0.9"}})
	device.failWhen = func(c flowCall) bool { return c.command == model.FlowAdd && c.entry.Priority == 200 }

	require.Error(t, inst.Reconcile(ctx, 1, set))
	assert.Equal(t, uint32(1), inst.Generation(1, 1))

	for _, c := range device.callsFor(1) {
		if c.command == model.FlowDelete {
			assert.Equal(t, Cookie(1, 2), c.entry.Cookie, "only the partial new generation may be removed")
		}
	}

	sw, _ := registry.Get(1)
	assert.True(t, sw.Degraded)
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	inst, device, registry := setup(1, 2, 3)
	ctx := context.Background()
	for _, id := range []uint64{1, 2, 3} {
		require.NoError(t, inst.Bootstrap(ctx, id, nil))
	}
	device.failWhen = func(c flowCall) bool { return c.switchID == 2 }

	failed := inst.ReconcileAll(ctx, func(ctx context.Context, switchID uint64) (RuleSet, error) {
		return denyTelnet(), nil
	})

	require.Len(t, failed, 1)
	assert.Contains(t, failed, uint64(2))
	assert.Equal(t, uint32(1), inst.Generation(1, 1))
	assert.Equal(t, uint32(0), inst.Generation(2, 1))
	assert.Equal(t, uint32(1), inst.Generation(3, 1))

	sw2, _ := registry.Get(2)
	assert.True(t, sw2.Degraded)
	sw3, _ := registry.Get(3)
	assert.False(t, sw3.Degraded)
}

func TestReconcileAllReportsBuildErrors(t *testing.T) {
	inst, _, _ := setup(1)
	require.NoError(t, inst.Bootstrap(context.Background(), 1, nil))

	boom := errors.New("meter unavailable")
	failed := inst.ReconcileAll(context.Background(), func(ctx context.Context, switchID uint64) (RuleSet, error) {
		return RuleSet{}, boom
	})
	assert.ErrorIs(t, failed[1], boom)
}

func TestForget(t *testing.T) {
	inst, _, _ := setup(1)
	require.NoError(t, inst.Reconcile(context.Background(), 1, denyTelnet()))
	inst.Forget(1)
	assert.Zero(t, inst.Generation(1, 1))
}

func TestCookie(t *testing.T) {
	assert.Equal(t, uint64(0x0000000200000005), Cookie(2, 5))
}

func TestInstallInSetFollowsGeneration(t *testing.T) {
	inst, device, _ := setup(1)
	ctx := context.Background()
	reactive := model.FlowEntry{Priority: 40, Match: model.Match{EthType: model.EthTypeIPv4, IPv4Src: "10.0.7.3", IPv4Dst: "10.0.7.4"}}

	require.Error(t, inst.InstallInSet(ctx, 1, 2, reactive), "the set must be installed first")

	empty := RuleSet{ID: 2, Name: "slices"}
	require.NoError(t, inst.Reconcile(ctx, 1, empty))
	require.NoError(t, inst.InstallInSet(ctx, 1, 2, reactive))
	require.NoError(t, inst.Reconcile(ctx, 1, empty))

	calls := device.callsFor(1)
	require.Len(t, calls, 2)
	assert.Equal(t, model.FlowAdd, calls[0].command)
	assert.Equal(t, Cookie(2, 1), calls[0].entry.Cookie)
	assert.Equal(t, model.FlowDelete, calls[1].command)
	assert.Equal(t, Cookie(2, 1), calls[1].entry.Cookie, "the next generation sweeps reactive entries")
}
