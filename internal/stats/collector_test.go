package stats

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"sdn-guard/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	mu    sync.Mutex
	calls []uint64
	err   error
}

func (r *fakeRequester) RequestStats(ctx context.Context, switchID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, switchID)
	return r.err
}

func (r *fakeRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type sinkRecorder struct {
	samples []model.FlowSample
}

func (s *sinkRecorder) ConsumeSample(sample model.FlowSample) {
	s.samples = append(s.samples, sample)
}

func newTestCollector() (*Collector, *fakeRequester, *clock.Mock) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mock := clock.NewMock()
	requester := &fakeRequester{}
	return NewCollector(requester, mock, 0, 0, nil, logger), requester, mock
}

func tcpStat(src, dst string, packets, bytes uint64, seconds uint32) model.FlowStat {
	return model.FlowStat{
		Match: model.Match{
			EthType: model.EthTypeIPv4, IPv4Src: src, IPv4Dst: dst,
			IPProto: model.ProtoTCP, TCPSrc: 40000, TCPDst: 80,
		},
		PacketCount: packets,
		ByteCount:   bytes,
		DurationSec: seconds,
	}
}

func TestPollRateLimit(t *testing.T) {
	c, requester, mock := newTestCollector()
	ctx := context.Background()

	sent, err := c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sent)

	mock.Add(time.Second)
	sent, err = c.Poll(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sent, "second poll within 2s must be skipped")

	sent, _ = c.Poll(ctx, 2)
	assert.True(t, sent, "limit is per switch")

	mock.Add(time.Second)
	sent, _ = c.Poll(ctx, 1)
	assert.True(t, sent)

	assert.Equal(t, []uint64{1, 2, 1}, requester.calls)
	last, ok := c.LastPoll(1)
	require.True(t, ok)
	assert.Equal(t, mock.Now(), last)
}

func TestPollReportsRequestError(t *testing.T) {
	c, requester, _ := newTestCollector()
	requester.err = errors.New("bus down")

	sent, err := c.Poll(context.Background(), 1)
	assert.True(t, sent)
	assert.Error(t, err)
}

func TestRunPollsOnTick(t *testing.T) {
	c, requester, mock := newTestCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx, 10*time.Second, func() []uint64 { return []uint64{1, 2} })

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return requester.count() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestHandleFlowStats(t *testing.T) {
	c, _, _ := newTestCollector()
	sink := &sinkRecorder{}
	c.AddSink(sink)

	samples := c.HandleFlowStats(1, []model.FlowStat{
		tcpStat("10.0.0.1", "10.0.0.2", 100, 15000, 10),
		tcpStat("10.0.0.3", "10.0.0.4", 5, 500, 0),
		{Priority: 0, PacketCount: 99, DurationSec: 30},
	})

	require.Len(t, samples, 1)
	s := samples[0]
	assert.Equal(t, "10.0.0.1:40000->10.0.0.2:80[TCP]", s.FlowID)
	assert.InDelta(t, 10.0, s.PacketRate, 1e-9)
	assert.InDelta(t, 1500.0, s.ByteRate, 1e-9)
	assert.Equal(t, uint64(1), s.SwitchID)

	assert.Equal(t, samples, sink.samples)
	assert.Equal(t, []string{s.FlowID}, c.FlowIDs())
	assert.Len(t, c.FlowStats(1), 3)
}

func TestSamplesArePrunedOnAppend(t *testing.T) {
	c, _, mock := newTestCollector()
	stat := tcpStat("10.0.0.1", "10.0.0.2", 100, 1000, 10)

	c.HandleFlowStats(1, []model.FlowStat{stat})
	mock.Add(20 * time.Minute)
	c.HandleFlowStats(1, []model.FlowStat{stat})
	mock.Add(15 * time.Minute)
	c.HandleFlowStats(1, []model.FlowStat{stat})

	series := c.Samples("10.0.0.1:40000->10.0.0.2:80[TCP]")
	require.Len(t, series, 2)
	assert.True(t, series[0].Timestamp.Before(series[1].Timestamp))
}

func TestHandlePortStatsSpeeds(t *testing.T) {
	c, _, mock := newTestCollector()

	first := c.HandlePortStats(1, []model.PortStat{{PortNo: 1, RxBytes: 1000, TxBytes: 500}})
	assert.Empty(t, first)

	mock.Add(10 * time.Second)
	speeds := c.HandlePortStats(1, []model.PortStat{{PortNo: 1, RxBytes: 11000, TxBytes: 400}})
	require.Len(t, speeds, 1)
	assert.InDelta(t, 1000.0, speeds[0].RxBps, 1e-9)
	assert.Zero(t, speeds[0].TxBps, "counter reset reads as zero")

	assert.Equal(t, speeds, c.PortSpeeds(1))
	assert.Equal(t, uint64(11000), c.PortStats(1)[0].RxBytes)
}

func TestPurgeSwitch(t *testing.T) {
	c, _, _ := newTestCollector()
	c.HandleFlowStats(1, []model.FlowStat{tcpStat("10.0.0.1", "10.0.0.2", 10, 100, 1)})
	c.HandleFlowStats(2, []model.FlowStat{tcpStat("10.0.0.1", "10.0.0.2", 10, 100, 1)})
	c.HandleTableStats(1, []model.TableStat{{TableID: 0, ActiveCount: 4}})
	_, _ = c.Poll(context.Background(), 1)

	c.PurgeSwitch(1)
	assert.Empty(t, c.FlowStats(1))
	assert.Empty(t, c.TableStats(1))
	_, ok := c.LastPoll(1)
	assert.False(t, ok)

	series := c.Samples("10.0.0.1:40000->10.0.0.2:80[TCP]")
	require.Len(t, series, 1)
	assert.Equal(t, uint64(2), series[0].SwitchID)
}
