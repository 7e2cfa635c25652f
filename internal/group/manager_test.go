package group

import (
	"context"
	"errors"
	"io"
	"testing"

	"sdn-guard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type groupCall struct {
	command model.ModCommand
	group   model.Group
}

type fakeDevice struct {
	calls []groupCall
	err   error
}

func (d *fakeDevice) InstallGroup(ctx context.Context, switchID uint64, command model.ModCommand, group model.Group) error {
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, groupCall{command, group})
	return nil
}

func newTestManager() (*Manager, *fakeDevice) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	device := &fakeDevice{}
	return NewManager(device, DefaultMinQuality, nil, logger), device
}

func TestSetMultipathFiltersAndWeights(t *testing.T) {
	m, device := newTestManager()

	decision, err := m.SetMultipath(context.Background(), 1, "10.0.0.9", []Candidate{
		{Port: 1, Quality: 0.9},
		{Port: 2, Quality: 0.6},
		{Port: 3, Quality: 0.2},
	})
	require.NoError(t, err)

	require.NotZero(t, decision.GroupID)
	assert.Equal(t, []model.Bucket{{Port: 1, Weight: 90}, {Port: 2, Weight: 60}}, decision.Buckets)
	assert.Equal(t, []model.Action{model.GroupAction(decision.GroupID)}, decision.Actions())

	require.Len(t, device.calls, 1)
	assert.Equal(t, model.ModAdd, device.calls[0].command)
	assert.Equal(t, model.GroupSelect, device.calls[0].group.Type)
	assert.Len(t, device.calls[0].group.Buckets, 2)
}

func TestSetMultipathSingleSurvivorIsDirect(t *testing.T) {
	m, device := newTestManager()

	decision, err := m.SetMultipath(context.Background(), 1, "r", []Candidate{{Port: 4, Quality: 0.8}, {Port: 5, Quality: 0.3}})
	require.NoError(t, err)
	assert.Zero(t, decision.GroupID)
	assert.Equal(t, uint32(4), decision.Port)
	assert.Equal(t, []model.Action{model.OutputAction(4)}, decision.Actions())
	assert.Empty(t, device.calls)
}

func TestSetMultipathNoViablePath(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.SetMultipath(context.Background(), 1, "r", []Candidate{{Port: 1, Quality: 0.1}})
	assert.ErrorIs(t, err, ErrNoViablePath)
}

func TestSetMultipathReplacesWholeGroup(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	first, err := m.SetMultipath(ctx, 1, "r", []Candidate{{Port: 1, Quality: 0.9}, {Port: 2, Quality: 0.6}})
	require.NoError(t, err)
	second, err := m.SetMultipath(ctx, 1, "r", []Candidate{{Port: 2, Quality: 0.5}, {Port: 3, Quality: 0.7}})
	require.NoError(t, err)

	assert.Equal(t, first.GroupID, second.GroupID)
	require.Len(t, device.calls, 2)
	assert.Equal(t, model.ModModify, device.calls[1].command)
	assert.Equal(t, []model.Bucket{{Port: 2, Weight: 50}, {Port: 3, Weight: 70}}, device.calls[1].group.Buckets)
}

func TestSetMultipathDegradeDropsGroup(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	_, err := m.SetMultipath(ctx, 1, "r", []Candidate{{Port: 1, Quality: 0.9}, {Port: 2, Quality: 0.6}})
	require.NoError(t, err)

	decision, err := m.SetMultipath(ctx, 1, "r", []Candidate{{Port: 1, Quality: 0.9}, {Port: 2, Quality: 0.1}})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), decision.Port)

	require.Len(t, device.calls, 2)
	assert.Equal(t, model.ModDelete, device.calls[1].command)
	_, ok := m.Get(1, "r")
	assert.False(t, ok)
	assert.Empty(t, m.List(1))
}

func TestSetFailoverBucketOrder(t *testing.T) {
	m, device := newTestManager()

	id, err := m.SetFailover(context.Background(), 2, "r", 3, []uint32{1, 2})
	require.NoError(t, err)
	assert.NotZero(t, id)

	require.Len(t, device.calls, 1)
	group := device.calls[0].group
	assert.Equal(t, model.GroupFastFailover, group.Type)
	assert.Equal(t, []model.Bucket{
		{Port: 3, WatchPort: 3},
		{Port: 1, WatchPort: 1},
		{Port: 2, WatchPort: 2},
	}, group.Buckets)
}

func TestSetFailoverValidates(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var verr *model.ValidationError
	_, err := m.SetFailover(ctx, 1, "r", 1, nil)
	assert.True(t, errors.As(err, &verr))
	_, err = m.SetFailover(ctx, 1, "r", 1, []uint32{1})
	assert.True(t, errors.As(err, &verr))
}

func TestInstallFailureReleasesID(t *testing.T) {
	m, device := newTestManager()
	ctx := context.Background()

	device.err = errors.New("group table full")
	_, err := m.SetFailover(ctx, 1, "a", 1, []uint32{2})
	require.Error(t, err)

	device.err = nil
	id, err := m.SetFailover(ctx, 1, "b", 1, []uint32{2})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestGroupIDsArePerSwitch(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.SetFailover(ctx, 1, "r", 1, []uint32{2})
	require.NoError(t, err)
	b, err := m.SetFailover(ctx, 2, "r", 1, []uint32{2})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	m.PurgeSwitch(1)
	assert.Empty(t, m.List(1))
	assert.Len(t, m.List(2), 1)
}

func TestWeight(t *testing.T) {
	assert.Equal(t, uint16(90), Weight(0.9))
	assert.Equal(t, uint16(61), Weight(0.605))
	assert.Equal(t, uint16(1), Weight(0.001))
}
