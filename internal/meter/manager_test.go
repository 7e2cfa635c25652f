package meter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type meterCall struct {
	switchID uint64
	command  model.ModCommand
	meter    model.Meter
}

type fakeDevice struct {
	mu    sync.Mutex
	calls []meterCall
	fail  map[uint64]error
}

func (d *fakeDevice) InstallMeter(ctx context.Context, switchID uint64, command model.ModCommand, meter model.Meter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[switchID]; err != nil {
		return err
	}
	d.calls = append(d.calls, meterCall{switchID, command, meter})
	return nil
}

func newTestManager() (*Manager, *fakeDevice) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	device := &fakeDevice{fail: map[uint64]error{}}
	return NewManager(device, nil, logger), device
}

func TestEnsureMeterIsIdempotent(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	first, err := m.EnsureMeter(ctx, 1, "tenant1", 100000, 0)
	require.NoError(t, err)
	second, err := m.EnsureMeter(ctx, 1, "tenant1", 100000, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, device.calls, 1)
	assert.Equal(t, model.ModAdd, device.calls[0].command)
	assert.Equal(t, uint32(10000), device.calls[0].meter.BurstKb)
	assert.Equal(t, model.BandDrop, device.calls[0].meter.Band)
}

func TestEnsureMeterReplacesOnRateChange(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	first, err := m.EnsureMeter(ctx, 1, "tenant1", 100000, 0)
	require.NoError(t, err)
	second, err := m.EnsureMeter(ctx, 1, "tenant1", 50000, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, device.calls, 2)
	assert.Equal(t, model.ModModify, device.calls[1].command)
	assert.Equal(t, uint32(50000), device.calls[1].meter.RateKbps)

	meter, ok := m.Get(1, "tenant1")
	require.True(t, ok)
	assert.Equal(t, uint32(50000), meter.RateKbps)
}

func TestEnsureMeterSameIDAcrossSwitches(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.EnsureMeter(ctx, 1, "tenant1", 1000, 0)
	require.NoError(t, err)
	b, err := m.EnsureMeter(ctx, 2, "tenant1", 1000, 0)
	require.NoError(t, err)
	c, err := m.EnsureMeter(ctx, 1, "tenant2", 1000, 0)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotZero(t, a)
	assert.NotZero(t, c)
}

func TestEnsureMeterExplicitBurst(t *testing.T) {
	m, device := newTestManager()
	_, err := m.EnsureMeter(context.Background(), 1, "p", 1000, 300)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), device.calls[0].meter.BurstKb)
}

func TestEnsureMeterReportsDeviceFailure(t *testing.T) {
	m, device := newTestManager()
	device.fail[3] = errors.New("meter table full")

	_, err := m.EnsureMeter(context.Background(), 3, "tenant1", 1000, 0)
	require.Error(t, err)
	_, ok := m.Get(3, "tenant1")
	assert.False(t, ok)

	id, err := m.EnsureMeter(context.Background(), 4, "other", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id, "failed allocation should return its id")
}

func TestEnsureMeterValidates(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.EnsureMeter(context.Background(), 1, "p", 0, 0)
	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestReleaseDeletesEverywhere(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureMeter(ctx, 1, "tenant1", 1000, 0)
	require.NoError(t, err)
	_, err = m.EnsureMeter(ctx, 2, "tenant1", 1000, 0)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "tenant1"))

	deletes := 0
	for _, call := range device.calls {
		if call.command == model.ModDelete {
			deletes++
		}
	}
	assert.Equal(t, 2, deletes)
	assert.Empty(t, m.List(1))
	assert.Empty(t, m.List(2))
}

func TestPurgeSwitchFreesUnsharedIDs(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureMeter(ctx, 1, "a", 1000, 0)
	require.NoError(t, err)
	_, err = m.EnsureMeter(ctx, 1, "b", 1000, 0)
	require.NoError(t, err)
	_, err = m.EnsureMeter(ctx, 2, "b", 1000, 0)
	require.NoError(t, err)
	calls := len(device.calls)

	m.PurgeSwitch(1)
	assert.Len(t, device.calls, calls, "purge must not touch the device")
	assert.Empty(t, m.List(1))

	id, err := m.EnsureMeter(ctx, 3, "c", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	kept, ok := m.Get(2, "b")
	require.True(t, ok)
	assert.Equal(t, uint32(2), kept.ID)
}

func TestReleaseKeepsIDHeldByDatapathZero(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	held, err := m.EnsureMeter(ctx, 0, "tenant1", 1000, 0)
	require.NoError(t, err)
	_, err = m.EnsureMeter(ctx, 1, "tenant1", 1000, 0)
	require.NoError(t, err)

	device.fail[0] = errors.New("meter busy")
	require.Error(t, m.Release(ctx, "tenant1"))

	kept, ok := m.Get(0, "tenant1")
	require.True(t, ok, "a rejected delete keeps the registration")
	assert.Equal(t, held, kept.ID)
	_, ok = m.Get(1, "tenant1")
	assert.False(t, ok)

	other, err := m.EnsureMeter(ctx, 2, "tenant2", 1000, 0)
	require.NoError(t, err)
	assert.NotEqual(t, held, other, "the id is still in use on switch 0")
}
