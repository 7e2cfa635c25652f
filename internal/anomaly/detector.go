package anomaly

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/utils"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Mode is the detector lifecycle state
type Mode string

const (
	ModeLearning  Mode = "LEARNING"
	ModeDetecting Mode = "DETECTING"
)

// Metrics scored per sample
const (
	MetricPacketRate = "packet_rate"
	MetricByteRate   = "byte_rate"
)

// Config tunes the detector
type Config struct {
	Threshold      float64
	LearningPeriod time.Duration
	MinSamples     int
	HistoryWindow  time.Duration
	MaxAlerts      int
	MetricOrder    []string
}

func DefaultConfig() Config {
	return Config{
		Threshold:      3.0,
		LearningPeriod: 300 * time.Second,
		MinSamples:     10,
		HistoryWindow:  30 * time.Minute,
		MaxAlerts:      1000,
		MetricOrder:    []string{MetricPacketRate, MetricByteRate},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.LearningPeriod <= 0 {
		c.LearningPeriod = def.LearningPeriod
	}
	if c.MinSamples < 2 {
		c.MinSamples = def.MinSamples
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = def.HistoryWindow
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = def.MaxAlerts
	}
	if len(c.MetricOrder) == 0 {
		c.MetricOrder = def.MetricOrder
	}
	return c
}

// Status is the reporting snapshot of the detector
type Status struct {
	Mode              Mode      `json:"mode"`
	LearningStartedAt time.Time `json:"learning_started_at"`
	LearningRemaining float64   `json:"learning_remaining_seconds"`
	Threshold         float64   `json:"threshold"`
	TrackedFlows      int       `json:"tracked_flows"`
	Baselines         int       `json:"baselines"`
	Alerts            int       `json:"alerts"`
	MetricOrder       []string  `json:"metric_order"`
}

// Detector learns a per-flow traffic baseline and flags samples that
// deviate from it by more than Threshold standard deviations
type Detector struct {
	cfg     Config
	clock   clock.Clock
	metrics *client.PrometheusMetrics
	logger  *logrus.Logger
	emit    func(model.Alert)

	mu            sync.RWMutex
	mode          Mode
	learningStart time.Time
	history       map[string][]model.FlowSample
	baselines     map[string]model.Baseline
	alerts        []model.Alert
	seq           uint64
}

func NewDetector(cfg Config, clk clock.Clock, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	d := &Detector{
		cfg:           cfg.withDefaults(),
		clock:         clk,
		metrics:       metrics,
		logger:        logger,
		mode:          ModeLearning,
		learningStart: clk.Now(),
		history:       make(map[string][]model.FlowSample),
		baselines:     make(map[string]model.Baseline),
	}
	d.metrics.SetAnomalyState(true, 0)
	return d
}

// SetEmitter registers the callback that receives every raised alert
func (d *Detector) SetEmitter(emit func(model.Alert)) {
	d.emit = emit
}

// ConsumeSample feeds a sample from the statistics collector
func (d *Detector) ConsumeSample(sample model.FlowSample) {
	d.Analyze(sample)
}

// Analyze records the sample and scores it against the flow's baseline.
// Nothing is ever raised while learning.
func (d *Detector) Analyze(sample model.FlowSample) *model.Alert {
	now := d.clock.Now()

	d.mu.Lock()
	series := append(d.history[sample.FlowID], sample)
	cutoff := now.Add(-d.cfg.HistoryWindow)
	for len(series) > 0 && series[0].Timestamp.Before(cutoff) {
		series = series[1:]
	}
	d.history[sample.FlowID] = series

	if d.mode == ModeLearning {
		if now.Sub(d.learningStart) > d.cfg.LearningPeriod {
			d.mode = ModeDetecting
			d.establishBaselinesLocked(now)
			d.logger.Infof("[Anomaly] Learning period over, %d flow baselines established", len(d.baselines))
			d.metrics.SetAnomalyState(false, len(d.baselines))
		}
		d.mu.Unlock()
		return nil
	}

	alert := d.detectLocked(sample, now)
	d.mu.Unlock()

	if alert != nil {
		d.logger.Warnf("[Anomaly] %s", alert.Message)
		if d.emit != nil {
			d.emit(*alert)
		}
	}
	return alert
}

func (d *Detector) establishBaselinesLocked(now time.Time) {
	for flowID, series := range d.history {
		if baseline, ok := computeBaseline(series, d.cfg.MinSamples, now); ok {
			d.baselines[flowID] = baseline
			d.logger.Debugf("[Anomaly] Baseline %s: %.2f±%.2f pps, %.2f±%.2f Bps",
				flowID, baseline.PacketRateMean, baseline.PacketRateStd, baseline.ByteRateMean, baseline.ByteRateStd)
		}
	}
}

// computeBaseline returns the mean and sample standard deviation of both
// rates. Series shorter than minSamples get no baseline.
func computeBaseline(series []model.FlowSample, minSamples int, now time.Time) (model.Baseline, bool) {
	if len(series) < minSamples {
		return model.Baseline{}, false
	}
	packets := make([]float64, len(series))
	bytes := make([]float64, len(series))
	for i, s := range series {
		packets[i] = s.PacketRate
		bytes[i] = s.ByteRate
	}
	pm, ps := meanStd(packets)
	bm, bs := meanStd(bytes)
	return model.Baseline{
		PacketRateMean: pm,
		PacketRateStd:  ps,
		ByteRateMean:   bm,
		ByteRateStd:    bs,
		SampleCount:    len(series),
		EstablishedAt:  now,
	}, true
}

func meanStd(values []float64) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / (n - 1))
}

// zScore is zero when the baseline has no spread
func zScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return math.Abs(value-mean) / std
}

func (d *Detector) detectLocked(sample model.FlowSample, now time.Time) *model.Alert {
	baseline, ok := d.baselines[sample.FlowID]
	if !ok {
		baseline, ok = computeBaseline(d.history[sample.FlowID], d.cfg.MinSamples, now)
		if !ok {
			return nil
		}
		d.baselines[sample.FlowID] = baseline
		d.metrics.SetAnomalyState(false, len(d.baselines))
	}

	for _, metric := range d.cfg.MetricOrder {
		var value, mean, std float64
		var spike, drop, unit string
		switch metric {
		case MetricPacketRate:
			value, mean, std = sample.PacketRate, baseline.PacketRateMean, baseline.PacketRateStd
			spike, drop, unit = model.AlertTrafficSpike, model.AlertTrafficDrop, "pps"
		case MetricByteRate:
			value, mean, std = sample.ByteRate, baseline.ByteRateMean, baseline.ByteRateStd
			spike, drop, unit = model.AlertBandwidthSpike, model.AlertBandwidthDrop, "Bps"
		default:
			continue
		}

		z := zScore(value, mean, std)
		d.metrics.ObserveZScore(metric, z)
		if z <= d.cfg.Threshold {
			continue
		}

		alertType, severity := drop, model.SeverityMedium
		if value > mean {
			alertType, severity = spike, model.SeverityHigh
		}
		if z >= 2*d.cfg.Threshold {
			severity = model.SeverityCritical
		}

		d.seq++
		alert := model.Alert{
			ID:       fmt.Sprintf("anomaly-%d-%d", now.Unix(), d.seq),
			Category: model.CategoryAnomaly,
			Type:     alertType,
			Severity: severity,
			SwitchID: sample.SwitchID,
			FlowID:   sample.FlowID,
			Message: fmt.Sprintf("%s [%s]: current %s %.2f %s, baseline %.2f±%.2f %s, z-score %.2f",
				alertType, sample.FlowID, metric, value, unit, mean, std, unit, z),
			ZScore:    z,
			Timestamp: now,
		}
		d.appendAlertLocked(alert)
		return &alert
	}
	return nil
}

func (d *Detector) appendAlertLocked(alert model.Alert) {
	d.alerts = append(d.alerts, alert)
	if over := len(d.alerts) - d.cfg.MaxAlerts; over > 0 {
		d.alerts = append(d.alerts[:0:0], d.alerts[over:]...)
	}
}

// Reset returns to LEARNING and forgets all samples and baselines.
// Raised alerts are kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeLearning
	d.learningStart = d.clock.Now()
	d.history = make(map[string][]model.FlowSample)
	d.baselines = make(map[string]model.Baseline)
	d.metrics.SetAnomalyState(true, 0)
	d.logger.Info("[Anomaly] Learning restarted")
}

func (d *Detector) Mode() Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

func (d *Detector) Baseline(flowID string) (model.Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.baselines[flowID]
	return b, ok
}

func (d *Detector) Baselines() map[string]model.Baseline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]model.Baseline, len(d.baselines))
	for k, v := range d.baselines {
		out[k] = v
	}
	return out
}

// Alerts returns the most recent n alerts, oldest first. n <= 0 returns all.
func (d *Detector) Alerts(n int) []model.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	start := 0
	if n > 0 && n < len(d.alerts) {
		start = len(d.alerts) - n
	}
	return append([]model.Alert(nil), d.alerts[start:]...)
}

func (d *Detector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	remaining := 0.0
	if d.mode == ModeLearning {
		remaining = math.Max(0, (d.cfg.LearningPeriod - d.clock.Now().Sub(d.learningStart)).Seconds())
	}
	return Status{
		Mode:              d.mode,
		LearningStartedAt: d.learningStart,
		LearningRemaining: remaining,
		Threshold:         d.cfg.Threshold,
		TrackedFlows:      len(d.history),
		Baselines:         len(d.baselines),
		Alerts:            len(d.alerts),
		MetricOrder:       append([]string(nil), d.cfg.MetricOrder...),
	}
}

// FlowIDs lists the flows with recorded samples
func (d *Detector) FlowIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.history))
	for id := range d.history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SaveAlerts writes the alert history as a JSON array
func (d *Detector) SaveAlerts(path string) error {
	alerts := d.Alerts(0)
	if err := utils.SaveJSONFile(path, alerts); err != nil {
		return err
	}
	d.logger.Infof("[Anomaly] Saved %d alerts to %s", len(alerts), path)
	return nil
}

// LoadAlerts restores a saved history. A missing file is not an error; a
// corrupt one leaves the history empty.
func (d *Detector) LoadAlerts(path string) error {
	var alerts []model.Alert
	if err := utils.LoadJSONFile(path, &alerts); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = nil
	for _, a := range alerts {
		d.appendAlertLocked(a)
	}
	d.logger.Infof("[Anomaly] Loaded %d alerts from %s", len(d.alerts), path)
	return nil
}
