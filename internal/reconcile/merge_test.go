package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdash/internal/model"
	"netdash/internal/normalize"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func partial(t *testing.T, body string) model.DevicePartial {
	t.Helper()
	p, err := normalize.NormalizeJSON([]byte(body))
	require.NoError(t, err)
	return p
}

func live(t *testing.T, mac, status string) model.DevicePartial {
	return partial(t, fmt.Sprintf(`{"mac_address":%q,"hostname":"host-%s","status":%q,"connection_type":"wireless","bandwidth_sent":"1","bandwidth_received":"2"}`, mac, mac[len(mac)-2:], status))
}

func listEntry(t *testing.T, mac string) model.DevicePartial {
	return partial(t, fmt.Sprintf(`{"MACAddress":%q,"HostName":"listed"}`, mac))
}

func TestMerge_LiveAndBlockListScenario(t *testing.T) {
	t.Parallel()

	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, "AA:BB:CC:DD:EE:FF", "active")}, Live(), t0)
	require.NoError(t, err)
	v, changes, err := Merge(v, []model.DevicePartial{listEntry(t, "AA:BB:CC:DD:EE:FF")}, Blocked("2.4GHz"), t0.Add(time.Second))
	require.NoError(t, err)

	require.Equal(t, 1, v.Len())
	d, ok := v.Device("aa:bb:cc:dd:ee:ff")
	require.True(t, ok)
	assert.Equal(t, model.ActivityActive, d.Activity)
	assert.Equal(t, model.FilterBlocked, d.Filter)
	assert.Equal(t, "host-FF", d.Hostname)
	assert.Equal(t, []string{"2.4GHz"}, d.BandNames())
	assert.Equal(t, ChangeSet{Updated: []string{"aa:bb:cc:dd:ee:ff"}}, changes)
}

func TestMerge_OrderDoesNotMatterForDisjointFields(t *testing.T) {
	t.Parallel()

	mac := "aa:bb:cc:dd:ee:ff"
	a, _, err := Merge(NewView(), []model.DevicePartial{listEntry(t, mac)}, Blocked("2.4GHz"), t0)
	require.NoError(t, err)
	a, _, err = Merge(a, []model.DevicePartial{live(t, mac, "active")}, Live(), t0)
	require.NoError(t, err)

	d, _ := a.Device(mac)
	assert.Equal(t, model.ActivityActive, d.Activity)
	assert.Equal(t, model.FilterBlocked, d.Filter)
	assert.Equal(t, "host-ff", d.Hostname)
}

func TestMerge_BlockOnlyDeviceRetainedOffline(t *testing.T) {
	t.Parallel()

	v, changes, err := Merge(NewView(), []model.DevicePartial{listEntry(t, "aa:bb:cc:dd:ee:01")}, Blocked("5GHz"), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01"}, changes.Added)

	d, _ := v.Device("aa:bb:cc:dd:ee:01")
	assert.Equal(t, "listed", d.Hostname)
	assert.Equal(t, model.ActivityOffline, d.Activity)
	assert.False(t, d.SeenLive)

	// Several full cycles without a live sighting keep the blocked device.
	for i := 0; i < 3; i++ {
		v, _, err = Merge(v, nil, Live(), t0.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
		v, _ = Sweep(v, 1, t0)
	}
	d, ok := v.Device("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, model.FilterBlocked, d.Filter)
	assert.Equal(t, model.ActivityOffline, d.Activity)
}

func TestMerge_LiveAbsenceMarksThenSweepRemoves(t *testing.T) {
	t.Parallel()

	a, b := "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"
	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, a, "active"), live(t, b, "active")}, Live(), t0)
	require.NoError(t, err)

	v, _, err = Merge(v, []model.DevicePartial{live(t, a, "active")}, Live(), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, v.Len(), "absence alone must not remove")
	db, _ := v.Device(b)
	assert.Equal(t, 1, db.MissedCycles)

	total, _, _ := v.Connected()
	assert.Equal(t, 1, total)

	v, changes := Sweep(v, 1, t0.Add(time.Minute))
	assert.Equal(t, ChangeSet{Removed: []string{b}}, changes)
	assert.Equal(t, 1, v.Len())
}

func TestMerge_SweepThreshold(t *testing.T) {
	t.Parallel()

	a, b := "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"
	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, a, "active"), live(t, b, "active")}, Live(), t0)
	require.NoError(t, err)

	v, _, _ = Merge(v, []model.DevicePartial{live(t, a, "active")}, Live(), t0)
	v, _ = Sweep(v, 2, t0)
	assert.Equal(t, 2, v.Len())

	v, _, _ = Merge(v, []model.DevicePartial{live(t, a, "active")}, Live(), t0)
	v, _ = Sweep(v, 2, t0)
	assert.Equal(t, 1, v.Len())
}

func TestMerge_PartialNeverMarksAbsence(t *testing.T) {
	t.Parallel()

	a, b := "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"
	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, a, "active"), live(t, b, "active")}, Live(), t0)
	require.NoError(t, err)

	p := partial(t, `{"mac_address":"aa:bb:cc:dd:ee:01","bandwidth_sent":"9"}`)
	v, changes, err := Merge(v, []model.DevicePartial{p}, Partial(), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ChangeSet{Updated: []string{a}}, changes)

	v, _ = Sweep(v, 1, t0)
	assert.Equal(t, 2, v.Len())

	da, _ := v.Device(a)
	assert.Equal(t, uint64(9*1024), da.UploadBytes)
	assert.Equal(t, "host-01", da.Hostname, "partial keeps fields it does not carry")
	assert.Equal(t, uint64(2*1024), da.DownloadBytes)
}

func TestMerge_LiveFeedReplacesNonFilterFields(t *testing.T) {
	t.Parallel()

	mac := "aa:bb:cc:dd:ee:01"
	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, mac, "active")}, Live(), t0)
	require.NoError(t, err)
	v, _, err = Merge(v, []model.DevicePartial{listEntry(t, mac)}, Blocked("2.4GHz"), t0)
	require.NoError(t, err)

	v, _, err = Merge(v, []model.DevicePartial{partial(t, `{"mac_address":"aa:bb:cc:dd:ee:01","status":"idle"}`)}, Live(), t0)
	require.NoError(t, err)
	d, _ := v.Device(mac)
	assert.Equal(t, model.DefaultHostname, d.Hostname)
	assert.Equal(t, model.ActivityInactive, d.Activity)
	assert.Equal(t, uint64(0), d.UploadBytes)
	assert.Equal(t, model.FilterBlocked, d.Filter, "live feed never touches filter fields")
}

func TestMerge_BlockListAbsenceIsBandScoped(t *testing.T) {
	t.Parallel()

	mac := "aa:bb:cc:dd:ee:01"
	v, _, err := Apply(NewView(), t0,
		Step{Source: Live(), Records: []model.DevicePartial{live(t, mac, "active")}},
		Step{Source: Blocked("2.4GHz"), Records: []model.DevicePartial{listEntry(t, mac)}},
		Step{Source: Blocked("5GHz"), Records: []model.DevicePartial{listEntry(t, mac)}},
	)
	require.NoError(t, err)
	d, _ := v.Device(mac)
	assert.Equal(t, []string{"2.4GHz", "5GHz"}, d.BandNames())

	v, _, err = Merge(v, nil, Blocked("2.4GHz"), t0)
	require.NoError(t, err)
	d, _ = v.Device(mac)
	assert.Equal(t, model.FilterBlocked, d.Filter)
	assert.Equal(t, []string{"5GHz"}, d.BandNames())

	v, changes, err := Merge(v, []model.DevicePartial{}, Blocked("5GHz"), t0)
	require.NoError(t, err)
	d, _ = v.Device(mac)
	assert.Equal(t, model.FilterUnrestricted, d.Filter)
	assert.Empty(t, d.Bands)
	assert.Equal(t, []string{mac}, changes.Updated)
}

func TestMerge_BlockedWinsOverAllowed(t *testing.T) {
	t.Parallel()

	mac := "aa:bb:cc:dd:ee:01"
	v, _, err := Merge(NewView(), []model.DevicePartial{listEntry(t, mac)}, Allowed("5GHz"), t0)
	require.NoError(t, err)
	d, _ := v.Device(mac)
	assert.Equal(t, model.FilterAllowed, d.Filter)

	v, _, err = Merge(v, []model.DevicePartial{listEntry(t, mac)}, Blocked("2.4GHz"), t0)
	require.NoError(t, err)
	d, _ = v.Device(mac)
	assert.Equal(t, model.FilterBlocked, d.Filter)

	v, _, err = Merge(v, nil, Blocked("2.4GHz"), t0)
	require.NoError(t, err)
	d, _ = v.Device(mac)
	assert.Equal(t, model.FilterAllowed, d.Filter)
}

func TestMerge_InvalidBatchLeavesViewUntouched(t *testing.T) {
	t.Parallel()

	v, _, err := Merge(NewView(), []model.DevicePartial{live(t, "aa:bb:cc:dd:ee:01", "active")}, Live(), t0)
	require.NoError(t, err)

	bad := []model.DevicePartial{live(t, "aa:bb:cc:dd:ee:02", "active"), {MAC: "AA:BB:CC:DD:EE:03"}}
	got, changes, err := Merge(v, bad, Live(), t0.Add(time.Minute))
	assert.True(t, errors.Is(err, model.ErrInvalidBatch))
	assert.Same(t, v, got)
	assert.True(t, changes.Empty())
	assert.Equal(t, 1, got.Len())
	d, _ := got.Device("aa:bb:cc:dd:ee:01")
	assert.Equal(t, 0, d.MissedCycles)

	_, _, err = Apply(v, t0,
		Step{Source: Blocked("2.4GHz"), Records: []model.DevicePartial{listEntry(t, "aa:bb:cc:dd:ee:01")}},
		Step{Source: Source{Kind: BlockList}},
	)
	assert.True(t, errors.Is(err, model.ErrInvalidBatch))
	d, _ = v.Device("aa:bb:cc:dd:ee:01")
	assert.Equal(t, model.FilterUnrestricted, d.Filter)
}

func TestMerge_InputViewNeverMutated(t *testing.T) {
	t.Parallel()

	mac := "aa:bb:cc:dd:ee:01"
	v1, _, err := Merge(NewView(), []model.DevicePartial{listEntry(t, mac)}, Blocked("2.4GHz"), t0)
	require.NoError(t, err)
	before := v1.Devices()

	_, _, err = Merge(v1, []model.DevicePartial{listEntry(t, mac)}, Blocked("5GHz"), t0)
	require.NoError(t, err)
	_, _, err = CommitAction(v1, mac, ActionUnblock, "", t0)
	require.NoError(t, err)

	assert.Equal(t, before, v1.Devices())
}

func TestMerge_UniquenessUnderRandomSequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	forms := func(i int) []string {
		return []string{
			fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i),
			fmt.Sprintf("aa-bb-cc-dd-ee-%02x", i),
			fmt.Sprintf("aabbccddee%02x", i),
		}
	}
	bands := []string{"2.4GHz", "5GHz"}

	v := NewView()
	seen := map[string]bool{}
	for round := 0; round < 200; round++ {
		var batch []model.DevicePartial
		n := rng.Intn(6)
		for j := 0; j < n; j++ {
			i := rng.Intn(8)
			f := forms(i)[rng.Intn(3)]
			p := partial(t, fmt.Sprintf(`{"mac_address":%q,"status":"active"}`, f))
			batch = append(batch, p)
			seen[p.MAC] = true
		}
		var src Source
		switch rng.Intn(4) {
		case 0:
			src = Live()
		case 1:
			src = Partial()
		case 2:
			src = Blocked(bands[rng.Intn(2)])
		default:
			src = Allowed(bands[rng.Intn(2)])
		}
		next, _, err := Merge(v, batch, src, t0.Add(time.Duration(round)*time.Second))
		require.NoError(t, err)
		v = next
		if rng.Intn(5) == 0 {
			v, _ = Sweep(v, 1, t0)
		}

		macs := map[string]bool{}
		for _, d := range v.Devices() {
			require.False(t, macs[d.MAC], "duplicate %s", d.MAC)
			macs[d.MAC] = true
			require.True(t, seen[d.MAC])
		}
	}
}

func TestApplyPolicies(t *testing.T) {
	t.Parallel()

	v := ApplyPolicies(NewView(), []model.BandPolicy{
		{Band: "5GHz", Enabled: false, Mode: model.ListAllowed},
		{Band: "2.4GHz", Enabled: true, Mode: model.ListBlocked},
	})
	pol := v.Policies()
	require.Len(t, pol, 2)
	assert.Equal(t, "2.4GHz", pol[0].Band)
	assert.Same(t, v, ApplyPolicies(v, nil))
}
