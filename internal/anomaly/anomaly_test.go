package anomaly

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netdash/internal/model"
	"netdash/internal/normalize"
)

const sample = `[
  {"id": 7, "network_id": 3, "hostname": "laptop", "ip_address": "192.168.1.20",
   "types": "upload_spike", "remarks": "Upload spike detected: 55.00 KB/s. Probable cause: cloud backup",
   "created_at": "2025-03-10 11:30:00"},
  {"id": 8, "mac_address": "AA-BB-CC-DD-EE-02", "types": "download_spike",
   "remarks": "[HIGH] Download spike detected", "created_at": "2025-03-10T08:00:00Z"},
  {"id": 9, "hostname": "tv", "types": "download_4_6kb_range",
   "remarks": "", "created_at": "2025-03-01T08:00:00Z"},
  "not an object"
]`

func buildSample(t *testing.T, resolve Resolver) []model.AnomalyRecord {
	t.Helper()
	items, err := normalize.ParseNotifications([]byte(sample))
	require.NoError(t, err)
	recs, rejected := Build(items, resolve)
	require.Len(t, rejected, 1)
	assert.True(t, errors.Is(rejected[0], model.ErrInvalidRecord))
	return recs
}

func TestBuild_ClassifiesAndOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	recs := buildSample(t, nil)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"7", "8", "9"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})

	up := recs[0]
	assert.Equal(t, "3", up.DeviceID)
	assert.Equal(t, model.SeverityCritical, up.Severity)
	assert.InDelta(t, 55.0, up.MagnitudeKBps, 1e-9)
	assert.Equal(t, model.DirectionUpload, up.Direction)
	assert.Equal(t, "cloud backup", up.ProbableCause)
	assert.Equal(t, time.Date(2025, 3, 10, 11, 30, 0, 0, time.UTC), up.CreatedAt)
	assert.False(t, up.Fallback)

	down := recs[1]
	assert.Equal(t, "aa:bb:cc:dd:ee:02", down.MAC)
	assert.Equal(t, model.SeverityHigh, down.Severity)
	assert.Equal(t, "Download spike detected", down.Summary)
	assert.Equal(t, model.DefaultHostname, down.Hostname)

	empty := recs[2]
	assert.True(t, empty.Fallback)
	assert.Equal(t, model.SeverityLow, empty.Severity)
	assert.InDelta(t, 2.0, empty.MagnitudeKBps, 1e-9)
}

func TestBuild_ResolvesHostnameFromView(t *testing.T) {
	t.Parallel()

	recs := buildSample(t, func(mac string) (model.Device, bool) {
		if mac == "aa:bb:cc:dd:ee:02" {
			return model.Device{MAC: mac, Hostname: "phone", IPAddress: "192.168.1.30"}, true
		}
		return model.Device{}, false
	})
	assert.Equal(t, "phone", recs[1].Hostname)
	assert.Equal(t, "192.168.1.30", recs[1].IPAddress)
}

func TestBuild_MissingIDAndCategory(t *testing.T) {
	t.Parallel()

	recs, rejected := Build([]gjson.Result{gjson.Parse(`{"remarks":"critical usage"}`)}, nil)
	require.Empty(t, rejected)
	require.Len(t, recs, 1)
	assert.Equal(t, "n0", recs[0].ID)
	assert.Equal(t, CategoryUncategorized, recs[0].Category)
	assert.Equal(t, model.SeverityCritical, recs[0].Severity)
	assert.True(t, recs[0].CreatedAt.IsZero())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	st := Summarize(buildSample(t, nil))
	assert.Equal(t, Stats{Total: 3, Upload: 1, Download: 2, Critical: 1, High: 1, Fallback: 1}, st)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	recs := buildSample(t, nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{"all", Query{Now: now}, []string{"7", "8", "9"}},
		{"today", Query{Since: "today", Now: now}, []string{"7", "8"}},
		{"week", Query{Since: "week", Now: now}, []string{"7", "8"}},
		{"category", Query{Category: "download_spike", Now: now}, []string{"8"}},
		{"all category", Query{Category: "all", Now: now}, []string{"7", "8", "9"}},
		{"search ip", Query{Search: "192.168.1.20", Now: now}, []string{"7"}},
		{"search remarks case", Query{Search: "SPIKE", Now: now}, []string{"7", "8"}},
		{"search category", Query{Search: "4_6kb", Now: now}, []string{"9"}},
		{"severity", Query{Severity: model.SeverityHigh, Now: now}, []string{"8"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Filter(recs, tc.q)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}

	_, err := Filter(recs, Query{Since: "month"})
	assert.True(t, errors.Is(err, ErrUnknownWindow))
}

func TestCategories(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"download_4_6kb_range", "download_spike", "upload_spike"}, Categories(buildSample(t, nil)))
}
