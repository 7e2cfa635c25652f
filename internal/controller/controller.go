package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sdn-guard/internal/client"
	"sdn-guard/internal/encoder"
	"sdn-guard/internal/group"
	"sdn-guard/internal/installer"
	"sdn-guard/internal/meter"
	"sdn-guard/internal/model"
	"sdn-guard/internal/pipeline"
	"sdn-guard/internal/policy"
	"sdn-guard/internal/stats"
	"sdn-guard/internal/switches"

	"github.com/sirupsen/logrus"
)

// Rule-set ids; they select the upper cookie bits of policy flows
const (
	FirewallRuleSet uint32 = 1
	SliceRuleSet    uint32 = 2
)

const (
	DefaultLearnedIdleTimeout uint16 = 60
	DefaultPollInterval              = 10 * time.Second
)

var (
	// ErrUnknownSwitch is returned for operations on a switch that is not connected
	ErrUnknownSwitch = errors.New("unknown switch")
	ErrUnknownRoute  = errors.New("unknown route")
)

// Southbound is everything the controller sends to the protocol engine
type Southbound interface {
	installer.Device
	meter.Device
	group.Device
	stats.Requester
	SendPacketOut(ctx context.Context, switchID uint64, decision model.PacketDecision) error
}

// Components are the state owners the controller drives
type Components struct {
	Switches  *switches.Registry
	Firewall  *policy.Store
	Slices    *policy.Store
	Installer *installer.Installer
	Meters    *meter.Manager
	Groups    *group.Manager
	Stats     *stats.Collector
	Processor *pipeline.Processor
}

// Config holds the forwarding knobs
type Config struct {
	LearnedIdleTimeout uint16
	LearnedHardTimeout uint16
	RoutePriority      uint16
	PollInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.LearnedIdleTimeout == 0 {
		c.LearnedIdleTimeout = DefaultLearnedIdleTimeout
	}
	if c.RoutePriority == 0 {
		c.RoutePriority = installer.PriorityRoute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Controller is the primary event sink. It turns switch events into
// forwarding decisions and keeps policy, meter and group state installed
// on every connected switch.
type Controller struct {
	cfg        Config
	southbound Southbound
	switches   *switches.Registry
	firewall   *policy.Store
	slices     *policy.Store
	installer  *installer.Installer
	meters     *meter.Manager
	groups     *group.Manager
	stats      *stats.Collector
	processor  *pipeline.Processor
	metrics    *client.PrometheusMetrics
	logger     *logrus.Logger

	// serializes policy mutations with switch bootstrap and teardown, so
	// every switch is built from the policy it will be reconciled against
	policyMu sync.Mutex

	routesMu sync.RWMutex
	routes   map[uint64]map[string]Route
}

func New(cfg Config, southbound Southbound, c Components, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Controller {
	return &Controller{
		cfg:        cfg.withDefaults(),
		southbound: southbound,
		switches:   c.Switches,
		firewall:   c.Firewall,
		slices:     c.Slices,
		installer:  c.Installer,
		meters:     c.Meters,
		groups:     c.Groups,
		stats:      c.Stats,
		processor:  c.Processor,
		metrics:    metrics,
		logger:     logger,
		routes:     make(map[uint64]map[string]Route),
	}
}

// OnSwitchConnect implements NetworkEventSink
func (c *Controller) OnSwitchConnect(ctx context.Context, features model.SwitchFeatures) {
	c.ConnectSwitch(ctx, features)
}

// ConnectSwitch registers the switch and installs the default flows plus the
// firewall and slice rule sets. A bootstrap failure leaves the switch
// connected but degraded and not ACTIVE until ReinstallSwitch succeeds.
func (c *Controller) ConnectSwitch(ctx context.Context, features model.SwitchFeatures) error {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	sw := c.switches.Connect(features)
	c.logger.Infof("[Controller] Switch %d connected (%d ports, OpenFlow 0x%02x)", sw.DatapathID, len(sw.Ports), sw.ProtocolVersion)
	return c.bootstrapLocked(ctx, sw.DatapathID)
}

// ReinstallSwitch repeats the bootstrap of a connected switch. It is how a
// switch whose bootstrap failed becomes ACTIVE once the device recovers.
func (c *Controller) ReinstallSwitch(ctx context.Context, switchID uint64) error {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	if _, ok := c.switches.Get(switchID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSwitch, switchID)
	}
	c.logger.Infof("[Controller] Reinstalling switch %d", switchID)
	return c.bootstrapLocked(ctx, switchID)
}

// RetryPendingSwitches reinstalls every switch that is not ACTIVE
func (c *Controller) RetryPendingSwitches(ctx context.Context) {
	for _, id := range c.switches.PendingIDs() {
		if err := c.ReinstallSwitch(ctx, id); err != nil && !errors.Is(err, ErrUnknownSwitch) {
			c.logger.WithField("switch", id).Warnf("[Controller] Retry failed: %v", err)
		}
	}
}

func (c *Controller) bootstrapLocked(ctx context.Context, switchID uint64) error {
	firewallSet, err := c.firewallRuleSet(ctx, switchID)
	if err != nil {
		return c.bootstrapFailed(switchID, err)
	}
	sliceSet, err := c.sliceRuleSet(ctx, switchID)
	if err != nil {
		return c.bootstrapFailed(switchID, err)
	}

	if err := c.installer.Bootstrap(ctx, switchID, []installer.RuleSet{firewallSet, sliceSet}); err != nil {
		return c.bootstrapFailed(switchID, err)
	}
	c.switches.ClearDegraded(switchID)
	return nil
}

func (c *Controller) bootstrapFailed(switchID uint64, err error) error {
	c.logger.WithField("switch", switchID).Errorf("[Controller] Bootstrap failed: %v", err)
	c.switches.MarkDegraded(switchID, "bootstrap", err.Error())
	return err
}

// OnSwitchDisconnect implements NetworkEventSink
func (c *Controller) OnSwitchDisconnect(ctx context.Context, switchID uint64) {
	c.DisconnectSwitch(switchID)
}

// DisconnectSwitch drops every piece of state held for the switch. No
// device commands are sent; the switch is gone.
func (c *Controller) DisconnectSwitch(switchID uint64) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	if !c.switches.Disconnect(switchID) {
		c.logger.Debugf("[Controller] Disconnect for unknown switch %d", switchID)
	}
	c.meters.PurgeSwitch(switchID)
	c.groups.PurgeSwitch(switchID)
	c.stats.PurgeSwitch(switchID)
	c.installer.Forget(switchID)

	c.routesMu.Lock()
	delete(c.routes, switchID)
	c.routesMu.Unlock()

	c.logger.Infof("[Controller] Switch %d disconnected", switchID)
}

// OnPacketIn implements NetworkEventSink
func (c *Controller) OnPacketIn(ctx context.Context, in model.PacketIn) {
	c.HandlePacketIn(ctx, in)
}

// HandlePacketIn decides what happens to a frame punted to the controller:
// IDS inspection, firewall, slice metering and then L2 learning-switch
// forwarding. Flood and output decisions are sent back as a packet-out.
func (c *Controller) HandlePacketIn(ctx context.Context, in model.PacketIn) model.PacketDecision {
	decision := c.decide(ctx, in)

	c.metrics.RecordDecision(decision.Action, decision.Reason)
	if decision.Action != model.DecisionDrop {
		if err := c.southbound.SendPacketOut(ctx, in.SwitchID, decision); err != nil {
			c.logger.WithFields(logrus.Fields{
				"switch": in.SwitchID,
				"op":     "packet_out",
			}).Warnf("[Controller] Packet-out failed: %v", err)
		}
	}
	return decision
}

func (c *Controller) decide(ctx context.Context, in model.PacketIn) model.PacketDecision {
	drop := func(reason string) model.PacketDecision {
		return model.PacketDecision{Action: model.DecisionDrop, InPort: in.InPort, Reason: reason}
	}

	pkt, _, err := c.processor.Process(ctx, in)
	if err != nil {
		return drop("undecodable")
	}
	if pipeline.IsLLDP(pkt) {
		return drop("lldp")
	}

	c.switches.Learn(in.SwitchID, pkt.EthSrc, in.InPort)

	if pkt.IsIPv4() {
		if rule, ok := c.firewall.FindMatching(pkt); ok && rule.Action == model.PolicyDeny {
			c.logger.Debugf("[Controller] %s -> %s denied by firewall rule %s", pkt.SrcIP, pkt.DstIP, rule.ID)
			return drop("firewall:" + rule.ID)
		}
	}

	var slice *model.PolicyRule
	if pkt.IsIPv4() {
		if rule, ok := c.slices.FindMatching(pkt); ok {
			if rule.Action == model.PolicyDeny {
				return drop("slice:" + rule.ID)
			}
			slice = &rule
		}
	}

	outPort, known := c.switches.Lookup(in.SwitchID, pkt.EthDst)
	if !known {
		return model.PacketDecision{
			Action: model.DecisionFlood,
			Port:   model.PortFlood,
			InPort: in.InPort,
			Data:   in.Data,
			Reason: "unknown_destination",
		}
	}
	if outPort == in.InPort {
		return drop("same_port")
	}

	decision := model.PacketDecision{
		Action: model.DecisionOutput,
		Port:   outPort,
		InPort: in.InPort,
		Data:   in.Data,
		Reason: "learned",
	}

	entry := model.FlowEntry{
		Priority: installer.PriorityLearned,
		Match: model.Match{
			InPort: in.InPort,
			EthSrc: pkt.EthSrc,
			EthDst: pkt.EthDst,
		},
		Actions:     []model.Action{model.OutputAction(outPort)},
		IdleTimeout: c.cfg.LearnedIdleTimeout,
		HardTimeout: c.cfg.LearnedHardTimeout,
	}

	if slice != nil && slice.RateKbps() > 0 {
		meterID, err := c.meters.EnsureMeter(ctx, in.SwitchID, SliceMeterKey(slice.ID), slice.RateKbps(), slice.Burst)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"switch": in.SwitchID,
				"slice":  slice.ID,
			}).Warnf("[Controller] Slice meter unavailable, forwarding unmetered: %v", err)
		} else {
			entry.Priority = encoder.DevicePriority(model.KindSlice, slice.Priority)
			entry.Match.EthType = model.EthTypeIPv4
			entry.Match.IPv4Src = pkt.SrcIP
			entry.Match.IPv4Dst = pkt.DstIP
			entry.MeterID = meterID
			decision.Reason = "slice:" + slice.ID
		}
	}

	// metered slice flows live in the slice set's generation
	if entry.MeterID != 0 {
		err = c.installer.InstallInSet(ctx, in.SwitchID, SliceRuleSet, entry)
	} else {
		err = c.installer.InstallFlow(ctx, in.SwitchID, entry)
	}
	if err != nil {
		c.logger.Debugf("[Controller] Forwarding without a flow on switch %d: %v", in.SwitchID, err)
	} else {
		decision.Install = &entry
	}
	return decision
}

// OnFlowStatsReply implements NetworkEventSink
func (c *Controller) OnFlowStatsReply(ctx context.Context, switchID uint64, flowStats []model.FlowStat) {
	c.stats.HandleFlowStats(switchID, flowStats)
}

// OnPortStatsReply implements NetworkEventSink
func (c *Controller) OnPortStatsReply(ctx context.Context, switchID uint64, portStats []model.PortStat) {
	c.stats.HandlePortStats(switchID, portStats)
}

// OnTableStatsReply implements NetworkEventSink
func (c *Controller) OnTableStatsReply(ctx context.Context, switchID uint64, tableStats []model.TableStat) {
	c.stats.HandleTableStats(switchID, tableStats)
}

// OnDeviceError implements NetworkEventSink
func (c *Controller) OnDeviceError(ctx context.Context, switchID uint64, deviceErr model.DeviceError) {
	c.logger.WithFields(logrus.Fields{
		"switch": switchID,
		"op":     deviceErr.Op,
	}).Errorf("[Controller] Switch reported error: %s", deviceErr.Reason)
	c.switches.MarkDegraded(switchID, deviceErr.Op, deviceErr.Reason)
	c.metrics.RecordDeviceError(switchID, deviceErr.Op)
}

// Run polls statistics from every active switch and retries the bootstrap
// of switches that are not ACTIVE, until ctx is cancelled
func (c *Controller) Run(ctx context.Context) {
	c.logger.Infof("[Controller] Monitoring switches every %v", c.cfg.PollInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RetryPendingSwitches(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	c.stats.Run(ctx, c.cfg.PollInterval, c.switches.ActiveIDs)
	wg.Wait()
}

// PollSwitch requests statistics from one switch, subject to the poll
// rate limit. It reports whether a request went out.
func (c *Controller) PollSwitch(ctx context.Context, switchID uint64) (bool, error) {
	if _, ok := c.switches.Get(switchID); !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownSwitch, switchID)
	}
	return c.stats.Poll(ctx, switchID)
}

func (c *Controller) Switches() *switches.Registry { return c.switches }
func (c *Controller) Meters() *meter.Manager       { return c.meters }
func (c *Controller) Groups() *group.Manager       { return c.groups }
func (c *Controller) Stats() *stats.Collector      { return c.stats }
