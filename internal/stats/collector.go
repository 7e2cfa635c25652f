package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultMinPollInterval = 2 * time.Second
	DefaultPollInterval    = 10 * time.Second
	DefaultRetention       = 30 * time.Minute
)

// Requester asks a switch for flow, port and table statistics
type Requester interface {
	RequestStats(ctx context.Context, switchID uint64) error
}

// SampleSink receives every flow sample the collector derives
type SampleSink interface {
	ConsumeSample(sample model.FlowSample)
}

type portReading struct {
	stat model.PortStat
	at   time.Time
}

// Collector polls switches for statistics and turns the replies into
// per-flow sample series and per-port throughput
type Collector struct {
	requester   Requester
	clock       clock.Clock
	minInterval time.Duration
	retention   time.Duration
	metrics     *client.PrometheusMetrics
	logger      *logrus.Logger

	mu         sync.RWMutex
	limiters   map[uint64]*rate.Limiter
	lastPoll   map[uint64]time.Time
	samples    map[string][]model.FlowSample
	flowStats  map[uint64][]model.FlowStat
	ports      map[uint64]map[uint32]portReading
	portSpeeds map[uint64]map[uint32]model.PortSpeed
	tableStats map[uint64][]model.TableStat
	sinks      []SampleSink
}

func NewCollector(requester Requester, clk clock.Clock, minInterval, retention time.Duration, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Collector {
	if clk == nil {
		clk = clock.New()
	}
	if minInterval <= 0 {
		minInterval = DefaultMinPollInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Collector{
		requester:   requester,
		clock:       clk,
		minInterval: minInterval,
		retention:   retention,
		metrics:     metrics,
		logger:      logger,
		limiters:    make(map[uint64]*rate.Limiter),
		lastPoll:    make(map[uint64]time.Time),
		samples:     make(map[string][]model.FlowSample),
		flowStats:   make(map[uint64][]model.FlowStat),
		ports:       make(map[uint64]map[uint32]portReading),
		portSpeeds:  make(map[uint64]map[uint32]model.PortSpeed),
		tableStats:  make(map[uint64][]model.TableStat),
	}
}

// AddSink registers a consumer of flow samples. Call before Run.
func (c *Collector) AddSink(sink SampleSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Poll requests statistics from a switch unless it was polled within the
// minimum interval. It reports whether a request was sent.
func (c *Collector) Poll(ctx context.Context, switchID uint64) (bool, error) {
	now := c.clock.Now()

	c.mu.Lock()
	limiter, ok := c.limiters[switchID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.minInterval), 1)
		c.limiters[switchID] = limiter
	}
	if !limiter.AllowN(now, 1) {
		c.mu.Unlock()
		c.metrics.RecordPoll(switchID, "throttled")
		c.logger.Debugf("[Stats] Skipping poll of switch %d, last poll %s ago", switchID, now.Sub(c.lastPoll[switchID]))
		return false, nil
	}
	c.lastPoll[switchID] = now
	c.mu.Unlock()

	if err := c.requester.RequestStats(ctx, switchID); err != nil {
		c.metrics.RecordPoll(switchID, "error")
		return true, err
	}
	c.metrics.RecordPoll(switchID, "sent")
	return true, nil
}

// PollAll polls each switch and returns how many requests were sent
func (c *Collector) PollAll(ctx context.Context, ids []uint64) int {
	sent := 0
	for _, id := range ids {
		ok, err := c.Poll(ctx, id)
		if err != nil {
			c.logger.Warnf("[Stats] Failed to poll switch %d: %v", id, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

// Run polls the switches returned by ids on every tick until ctx ends
func (c *Collector) Run(ctx context.Context, interval time.Duration, ids func() []uint64) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	c.logger.Infof("[Stats] Polling switches every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PollAll(ctx, ids())
		}
	}
}

// HandleFlowStats turns a flow statistics reply into samples. Flows with a
// zero duration or no identity are skipped.
func (c *Collector) HandleFlowStats(switchID uint64, stats []model.FlowStat) []model.FlowSample {
	now := c.clock.Now()
	cutoff := now.Add(-c.retention)
	samples := make([]model.FlowSample, 0, len(stats))

	c.mu.Lock()
	c.flowStats[switchID] = append([]model.FlowStat(nil), stats...)
	for _, stat := range stats {
		duration := stat.Duration()
		if duration <= 0 {
			continue
		}
		flowID := model.FlowID(stat.Match)
		if flowID == "" {
			continue
		}

		seconds := duration.Seconds()
		sample := model.FlowSample{
			FlowID:      flowID,
			SwitchID:    switchID,
			Timestamp:   now,
			PacketCount: stat.PacketCount,
			ByteCount:   stat.ByteCount,
			Duration:    duration,
			PacketRate:  float64(stat.PacketCount) / seconds,
			ByteRate:    float64(stat.ByteCount) / seconds,
		}
		c.samples[flowID] = prune(append(c.samples[flowID], sample), cutoff)
		samples = append(samples, sample)
	}
	tracked := len(c.samples)
	sinks := c.sinks
	c.mu.Unlock()

	c.metrics.RecordFlowSamples(switchID, len(samples), tracked)
	for _, sample := range samples {
		for _, sink := range sinks {
			sink.ConsumeSample(sample)
		}
	}
	return samples
}

// prune drops samples older than cutoff. Series are in arrival order so
// only a prefix can be stale.
func prune(series []model.FlowSample, cutoff time.Time) []model.FlowSample {
	i := 0
	for i < len(series) && series[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return series
	}
	return append(series[:0:0], series[i:]...)
}

// HandlePortStats stores port counters and derives throughput from the
// previous reply for each port
func (c *Collector) HandlePortStats(switchID uint64, stats []model.PortStat) []model.PortSpeed {
	now := c.clock.Now()
	speeds := make([]model.PortSpeed, 0, len(stats))

	c.mu.Lock()
	if c.ports[switchID] == nil {
		c.ports[switchID] = make(map[uint32]portReading)
		c.portSpeeds[switchID] = make(map[uint32]model.PortSpeed)
	}
	for _, stat := range stats {
		prev, seen := c.ports[switchID][stat.PortNo]
		c.ports[switchID][stat.PortNo] = portReading{stat: stat, at: now}
		if !seen {
			continue
		}
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed <= 0 {
			continue
		}
		speed := model.PortSpeed{
			PortNo:    stat.PortNo,
			RxBps:     counterRate(prev.stat.RxBytes, stat.RxBytes, elapsed),
			TxBps:     counterRate(prev.stat.TxBytes, stat.TxBytes, elapsed),
			UpdatedAt: now,
		}
		c.portSpeeds[switchID][stat.PortNo] = speed
		speeds = append(speeds, speed)
	}
	c.mu.Unlock()

	for _, speed := range speeds {
		c.metrics.RecordPortSpeed(switchID, speed)
	}
	return speeds
}

// counterRate treats a counter that went backwards as reset
func counterRate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

func (c *Collector) HandleTableStats(switchID uint64, stats []model.TableStat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableStats[switchID] = append([]model.TableStat(nil), stats...)
}

// Samples returns a copy of a flow's series, oldest first
func (c *Collector) Samples(flowID string) []model.FlowSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.FlowSample(nil), c.samples[flowID]...)
}

// FlowIDs returns every flow with retained samples
func (c *Collector) FlowIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.samples))
	for id := range c.samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Collector) FlowStats(switchID uint64) []model.FlowStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.FlowStat(nil), c.flowStats[switchID]...)
}

// PortStats returns the latest counters of every port, ordered by port
func (c *Collector) PortStats(switchID uint64) []model.PortStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]model.PortStat, 0, len(c.ports[switchID]))
	for _, reading := range c.ports[switchID] {
		result = append(result, reading.stat)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PortNo < result[j].PortNo })
	return result
}

func (c *Collector) PortSpeeds(switchID uint64) []model.PortSpeed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]model.PortSpeed, 0, len(c.portSpeeds[switchID]))
	for _, speed := range c.portSpeeds[switchID] {
		result = append(result, speed)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PortNo < result[j].PortNo })
	return result
}

func (c *Collector) TableStats(switchID uint64) []model.TableStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.TableStat(nil), c.tableStats[switchID]...)
}

// LastPoll returns when a request was last sent to the switch
func (c *Collector) LastPoll(switchID uint64) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastPoll[switchID]
	return t, ok
}

// PurgeSwitch drops everything collected from a disconnected switch
func (c *Collector) PurgeSwitch(switchID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.limiters, switchID)
	delete(c.lastPoll, switchID)
	delete(c.flowStats, switchID)
	delete(c.ports, switchID)
	delete(c.portSpeeds, switchID)
	delete(c.tableStats, switchID)

	for flowID, series := range c.samples {
		kept := series[:0:0]
		for _, s := range series {
			if s.SwitchID != switchID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.samples, flowID)
		} else {
			c.samples[flowID] = kept
		}
	}
}
