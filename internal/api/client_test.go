package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPaths = Paths{
	LiveDevices:    "/connected-devices",
	BlockedDevices: "/blocked-devices",
	Notifications:  "/api/notifications",
	Block:          "/macfilter",
	Unblock:        "/unblock",
	Bandwidth:      "/total-bandwidth-usage",
	Speed:          "/network-speed",
}

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL, "", testPaths, time.Second)
	_, err := c.LiveDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), `"error":"nope"`)
}

func TestClient_GetRawSendsTokenAndParams(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath, gotQuery string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"mac_address":"aa:bb:cc:dd:ee:ff"}]`))
	}))
	defer s.Close()

	c := NewClient(s.URL+"/", "tok", testPaths, time.Second)
	body, err := c.BlockedDevices(context.Background(), FilterQuery{Band: "2.4GHz"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"mac_address":"aa:bb:cc:dd:ee:ff"}]`, string(body))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/blocked-devices", gotPath)
	assert.Equal(t, "band=2.4GHz", gotQuery)

	_, err = c.BlockedDevices(context.Background(), FilterQuery{})
	require.NoError(t, err)
	assert.Empty(t, gotQuery)
}

func TestClient_NotificationsCategoryAndLimit(t *testing.T) {
	t.Parallel()

	var gotPath, gotLimit string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer s.Close()

	c := NewClient(s.URL, "", testPaths, time.Second)
	_, err := c.Notifications(context.Background(), NotificationsQuery{Limit: 50, Category: "upload_spike"})
	require.NoError(t, err)
	assert.Equal(t, "/api/notifications/types/upload_spike", gotPath)
	assert.Equal(t, "50", gotLimit)
}

func TestClient_BlockPostsFilterRequest(t *testing.T) {
	t.Parallel()

	var got FilterRequest
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/macfilter" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"success","message":"ok"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL, "", testPaths, time.Second)
	ack, err := c.Block(context.Background(), FilterRequest{DeviceName: "tv", MACAddress: "aa:bb:cc:dd:ee:ff", ListType: ListBlocklist})
	require.NoError(t, err)
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, FilterRequest{DeviceName: "tv", MACAddress: "aa:bb:cc:dd:ee:ff", ListType: ListBlocklist}, got)
}

func TestClient_UnblockRejectedWith200(t *testing.T) {
	t.Parallel()

	var got FilterRequest
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"error":"router session expired"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL, "", testPaths, time.Second)
	_, err := c.Unblock(context.Background(), FilterRequest{DeviceName: "tv", MACAddress: "aa:bb:cc:dd:ee:ff", Order: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "router session expired")
	assert.Equal(t, ListUnblocked, got.ListType)
	assert.Equal(t, 1, got.Order)
}

func TestClient_BandwidthAndSpeed(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/total-bandwidth-usage":
			_, _ = w.Write([]byte(`{"total_bytes_sent":100,"total_bytes_recv":250,"total_mbps_sent":0.1}`))
		case "/network-speed":
			_, _ = w.Write([]byte(`{"download_mbps":120.5,"upload_mbps":30,"ping_ms":18}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer s.Close()

	c := NewClient(s.URL, "", testPaths, time.Second)
	bw, err := c.Bandwidth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BandwidthTotals{BytesSent: 100, BytesRecv: 250}, bw)

	sp, err := c.Speed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SpeedSample{DownloadMbps: 120.5, UploadMbps: 30, PingMs: 18}, sp)
}

func TestFilterAck_Err(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FilterAck{}.Err())
	assert.NoError(t, FilterAck{Status: "Success"}.Err())
	assert.True(t, errors.Is(FilterAck{Status: "failed", Message: "x"}.Err(), ErrRejected))
}
