package controller

import (
	"context"
	"sync"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
)

const DefaultQueueSize = 1024

// NetworkEventSink receives protocol-engine events. Sinks are registered
// once, before the dispatcher runs.
type NetworkEventSink interface {
	OnSwitchConnect(ctx context.Context, features model.SwitchFeatures)
	OnSwitchDisconnect(ctx context.Context, switchID uint64)
	OnPacketIn(ctx context.Context, in model.PacketIn)
	OnFlowStatsReply(ctx context.Context, switchID uint64, stats []model.FlowStat)
	OnPortStatsReply(ctx context.Context, switchID uint64, stats []model.PortStat)
	OnTableStatsReply(ctx context.Context, switchID uint64, stats []model.TableStat)
	OnDeviceError(ctx context.Context, switchID uint64, deviceErr model.DeviceError)
}

// NopSink implements every NetworkEventSink method as a no-op. Embed it to
// handle only some events.
type NopSink struct{}

func (NopSink) OnSwitchConnect(context.Context, model.SwitchFeatures)        {}
func (NopSink) OnSwitchDisconnect(context.Context, uint64)                   {}
func (NopSink) OnPacketIn(context.Context, model.PacketIn)                   {}
func (NopSink) OnFlowStatsReply(context.Context, uint64, []model.FlowStat)   {}
func (NopSink) OnPortStatsReply(context.Context, uint64, []model.PortStat)   {}
func (NopSink) OnTableStatsReply(context.Context, uint64, []model.TableStat) {}
func (NopSink) OnDeviceError(context.Context, uint64, model.DeviceError)     {}

// queueFor names the handler queue of each event type. Connects and
// disconnects share one queue so a quick reconnect is applied in order.
var queueFor = map[model.EventType]string{
	model.EventSwitchConnected:    "lifecycle",
	model.EventSwitchDisconnected: "lifecycle",
	model.EventPacketIn:           string(model.EventPacketIn),
	model.EventFlowStats:          string(model.EventFlowStats),
	model.EventPortStats:          string(model.EventPortStats),
	model.EventTableStats:         string(model.EventTableStats),
	model.EventError:              string(model.EventError),
}

// Dispatcher fans events out to sinks. Each queue has its own handler
// goroutine, so a slow packet-in path never holds up stats replies.
// Events of one queue are delivered in arrival order.
type Dispatcher struct {
	sinks     []NetworkEventSink
	queueSize int
	metrics   *client.PrometheusMetrics
	logger    *logrus.Logger
}

func NewDispatcher(queueSize int, metrics *client.PrometheusMetrics, logger *logrus.Logger, sinks ...NetworkEventSink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		sinks:     sinks,
		queueSize: queueSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run consumes events until ctx is cancelled or the channel closes, then
// drains the queued events and returns
func (d *Dispatcher) Run(ctx context.Context, events <-chan model.Event) {
	queues := make(map[string]chan model.Event)
	var wg sync.WaitGroup

	for _, name := range queueFor {
		if _, started := queues[name]; started {
			continue
		}
		q := make(chan model.Event, d.queueSize)
		queues[name] = q

		wg.Add(1)
		go func(name string, q <-chan model.Event) {
			defer wg.Done()
			for ev := range q {
				d.deliver(ctx, ev)
			}
			d.logger.Debugf("[Dispatcher] %s handler stopped", name)
		}(name, q)
	}

	d.logger.Infof("[Dispatcher] Dispatching %d event types on %d queues to %d sinks", len(queueFor), len(queues), len(d.sinks))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			q, known := queues[queueFor[ev.Type]]
			if !known {
				d.logger.Warnf("[Dispatcher] Ignoring unknown event type %q from switch %d", ev.Type, ev.SwitchID)
				continue
			}
			d.metrics.RecordEvent(ev.Type)
			select {
			case q <- ev:
			case <-ctx.Done():
				break loop
			}
		}
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.Event) {
	for _, sink := range d.sinks {
		d.deliverTo(ctx, sink, ev)
	}
}

func (d *Dispatcher) deliverTo(ctx context.Context, sink NetworkEventSink, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"switch": ev.SwitchID,
				"event":  ev.Type,
			}).Errorf("[Dispatcher] Sink panicked: %v", r)
		}
	}()

	switch ev.Type {
	case model.EventSwitchConnected:
		features := model.SwitchFeatures{DatapathID: ev.SwitchID}
		if ev.Features != nil {
			features = *ev.Features
			if features.DatapathID == 0 {
				features.DatapathID = ev.SwitchID
			}
		}
		sink.OnSwitchConnect(ctx, features)
	case model.EventSwitchDisconnected:
		sink.OnSwitchDisconnect(ctx, ev.SwitchID)
	case model.EventPacketIn:
		sink.OnPacketIn(ctx, model.PacketIn{SwitchID: ev.SwitchID, InPort: ev.InPort, Data: ev.Data})
	case model.EventFlowStats:
		sink.OnFlowStatsReply(ctx, ev.SwitchID, ev.FlowStats)
	case model.EventPortStats:
		sink.OnPortStatsReply(ctx, ev.SwitchID, ev.PortStats)
	case model.EventTableStats:
		sink.OnTableStatsReply(ctx, ev.SwitchID, ev.TableStats)
	case model.EventError:
		deviceErr := model.DeviceError{Op: "unknown", Reason: "unspecified"}
		if ev.Error != nil {
			deviceErr = *ev.Error
		}
		sink.OnDeviceError(ctx, ev.SwitchID, deviceErr)
	}
}
