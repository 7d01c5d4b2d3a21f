package reconcile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdash/internal/model"
)

func TestRestore(t *testing.T) {
	t.Parallel()

	saved := []model.Device{
		{
			MAC:      "aa:bb:cc:dd:ee:01",
			Hostname: "tv",
			SeenLive: true,
			Pending:  model.PendingBlocking,
			Bands:    []model.BandEntry{{Band: "5GHz", List: model.ListBlocked, AddedAt: t0}},
		},
		{MAC: "aa:bb:cc:dd:ee:02", Hostname: "phone", SeenLive: true},
	}
	v, err := Restore(saved, []model.BandPolicy{{Band: "5GHz", Enabled: true, Mode: model.ListBlocked}}, t0)
	require.NoError(t, err)
	require.Equal(t, 2, v.Len())
	assert.Equal(t, t0, v.UpdatedAt())

	d, ok := v.Device("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, model.FilterBlocked, d.Filter)
	assert.Equal(t, model.PendingNone, d.Pending)
	assert.False(t, d.SeenLive)
	assert.Len(t, v.Policies(), 1)

	total, _, _ := v.Connected()
	assert.Zero(t, total, "restored devices are not live until the next feed")

	// the next live feed without the unfiltered device sweeps it
	v, _, err = Merge(v, nil, Live(), t0)
	require.NoError(t, err)
	v, changes := Sweep(v, 1, t0)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:02"}, changes.Removed)
	assert.Equal(t, 1, v.Len())

	// the input slice is not shared with the view
	saved[0].Bands[0].Band = "2.4GHz"
	d, _ = v.Device("aa:bb:cc:dd:ee:01")
	assert.Equal(t, "5GHz", d.Bands[0].Band)
}

func TestRestore_RejectsNonCanonicalMAC(t *testing.T) {
	t.Parallel()

	_, err := Restore([]model.Device{{MAC: "AA-BB-CC-DD-EE-01"}}, nil, t0)
	assert.True(t, errors.Is(err, model.ErrInvalidBatch))
}

func TestView_ConnectedCountsOnlyCurrentCycle(t *testing.T) {
	t.Parallel()

	v, _, err := Merge(NewView(), []model.DevicePartial{
		live(t, "aa:bb:cc:dd:ee:01", "active"),
		partial(t, `{"mac_address":"aa:bb:cc:dd:ee:02","connection_type":"Ethernet"}`),
		partial(t, `{"mac_address":"aa:bb:cc:dd:ee:03"}`),
	}, Live(), t0)
	require.NoError(t, err)
	v, _, err = Merge(v, []model.DevicePartial{listEntry(t, "aa:bb:cc:dd:ee:04")}, Blocked("5GHz"), t0)
	require.NoError(t, err)

	total, wired, wireless := v.Connected()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, wired)
	assert.Equal(t, 2, wireless)
}
