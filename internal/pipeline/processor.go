package pipeline

import (
	"context"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/rules"

	"github.com/sirupsen/logrus"
)

// Processor decodes packet-in frames and runs the IDS rules over them
type Processor struct {
	engine  *rules.Engine
	metrics *client.PrometheusMetrics
	logger  *logrus.Logger
}

// NewProcessor creates a new processor instance
func NewProcessor(engine *rules.Engine, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Processor {
	return &Processor{
		engine:  engine,
		metrics: metrics,
		logger:  logger,
	}
}

// Process decodes a packet-in and evaluates the IDS rules. The returned
// packet is nil when the frame could not be decoded. LLDP frames are
// returned without being inspected.
func (p *Processor) Process(ctx context.Context, in model.PacketIn) (*model.Packet, []model.Alert, error) {
	if p.metrics != nil {
		p.metrics.RecordPacketIn(in.SwitchID, len(in.Data))
	}

	pkt, err := Decode(in.SwitchID, in.InPort, in.Data)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"switch":  in.SwitchID,
			"in_port": in.InPort,
			"length":  len(in.Data),
		}).Debugf("[Pipeline] Dropping undecodable frame: %v", err)
		return nil, nil, err
	}

	if IsLLDP(pkt) || p.engine == nil {
		return pkt, nil, nil
	}

	return pkt, p.engine.Evaluate(ctx, pkt), nil
}
