package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sdn-guard/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrNoProtocolEngine means a command was published but nothing was listening
var ErrNoProtocolEngine = errors.New("no protocol engine subscribed")

// Command operations understood by the protocol engine
const (
	OpInstallFlow  = "install_flow"
	OpInstallMeter = "install_meter"
	OpInstallGroup = "install_group"
	OpRequestStats = "request_stats"
	OpPacketOut    = "packet_out"
)

// Command is the envelope published on the command channel
type Command struct {
	Op        string                `json:"op"`
	SwitchID  uint64                `json:"switch_id"`
	Command   string                `json:"command,omitempty"`
	Flow      *model.FlowEntry      `json:"flow,omitempty"`
	Meter     *model.Meter          `json:"meter,omitempty"`
	Group     *model.Group          `json:"group,omitempty"`
	Kinds     []model.StatsKind     `json:"kinds,omitempty"`
	PacketOut *model.PacketDecision `json:"packet_out,omitempty"`
}

// SouthboundClient speaks to the external protocol engine over a Bus
type SouthboundClient struct {
	bus            Bus
	commandChannel string
	eventChannel   string
	retries        uint64
	metrics        *PrometheusMetrics
	logger         *logrus.Logger
	newBackOff     func() backoff.BackOff
}

func NewSouthboundClient(bus Bus, commandChannel, eventChannel string, retries int, metrics *PrometheusMetrics, logger *logrus.Logger) *SouthboundClient {
	if retries < 1 {
		retries = 1
	}
	return &SouthboundClient{
		bus:            bus,
		commandChannel: commandChannel,
		eventChannel:   eventChannel,
		retries:        uint64(retries),
		metrics:        metrics,
		logger:         logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// TestConnection checks the bus is reachable
func (c *SouthboundClient) TestConnection(ctx context.Context) error {
	if err := c.bus.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach message bus: %w", err)
	}
	return nil
}

func (c *SouthboundClient) InstallFlow(ctx context.Context, switchID uint64, command model.FlowCommand, entry model.FlowEntry) error {
	return c.publish(ctx, Command{Op: OpInstallFlow, SwitchID: switchID, Command: string(command), Flow: &entry})
}

func (c *SouthboundClient) InstallMeter(ctx context.Context, switchID uint64, command model.ModCommand, meter model.Meter) error {
	return c.publish(ctx, Command{Op: OpInstallMeter, SwitchID: switchID, Command: string(command), Meter: &meter})
}

func (c *SouthboundClient) InstallGroup(ctx context.Context, switchID uint64, command model.ModCommand, group model.Group) error {
	return c.publish(ctx, Command{Op: OpInstallGroup, SwitchID: switchID, Command: string(command), Group: &group})
}

// RequestStats asks for flow, port and table statistics in one request.
// Replies arrive later as events.
func (c *SouthboundClient) RequestStats(ctx context.Context, switchID uint64) error {
	return c.publish(ctx, Command{Op: OpRequestStats, SwitchID: switchID, Kinds: model.AllStatsKinds})
}

func (c *SouthboundClient) SendPacketOut(ctx context.Context, switchID uint64, decision model.PacketDecision) error {
	return c.publish(ctx, Command{Op: OpPacketOut, SwitchID: switchID, PacketOut: &decision})
}

func (c *SouthboundClient) publish(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", cmd.Op, err)
	}

	start := time.Now()
	operation := func() error {
		receivers, err := c.bus.Publish(ctx, c.commandChannel, payload)
		if err != nil {
			return err
		}
		if receivers == 0 {
			return backoff.Permanent(ErrNoProtocolEngine)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.metrics.RecordDeviceError(cmd.SwitchID, cmd.Op)
		return fmt.Errorf("%s on switch %d: %w", cmd.Op, cmd.SwitchID, err)
	}

	c.metrics.RecordCommand(cmd.Op, cmd.Command, time.Since(start).Seconds())
	c.logger.Debugf("Published %s %s to switch %d", cmd.Op, cmd.Command, cmd.SwitchID)
	return nil
}

// Subscribe decodes events from the event channel into out until ctx is
// cancelled. Undecodable payloads are logged and skipped.
func (c *SouthboundClient) Subscribe(ctx context.Context, out chan<- model.Event) error {
	payloads, closeSub, err := c.bus.Subscribe(ctx, c.eventChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.eventChannel, err)
	}
	defer closeSub()

	c.logger.Infof("Listening for protocol engine events on %s", c.eventChannel)

	for {
		select {
		case payload, ok := <-payloads:
			if !ok {
				return ctx.Err()
			}
			event, err := DecodeEvent(payload)
			if err != nil {
				c.logger.Warnf("Dropping malformed event: %v", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DecodeEvent parses one event envelope
func DecodeEvent(payload []byte) (model.Event, error) {
	var event model.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("invalid event json: %w", err)
	}

	switch event.Type {
	case model.EventSwitchConnected:
		if event.Features == nil {
			event.Features = &model.SwitchFeatures{DatapathID: event.SwitchID}
		}
		if event.Features.DatapathID == 0 {
			event.Features.DatapathID = event.SwitchID
		}
	case model.EventSwitchDisconnected, model.EventFlowStats, model.EventPortStats, model.EventTableStats:
	case model.EventPacketIn:
		if len(event.Data) == 0 {
			return event, fmt.Errorf("packet_in from switch %d has no data", event.SwitchID)
		}
	case model.EventError:
		if event.Error == nil {
			event.Error = &model.DeviceError{Reason: "unspecified"}
		}
	default:
		return event, fmt.Errorf("unknown event type %q", event.Type)
	}

	if event.SwitchID == 0 {
		return event, fmt.Errorf("%s event without switch_id", event.Type)
	}
	return event, nil
}

func (c *SouthboundClient) Close() error {
	return c.bus.Close()
}
