package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"netdash/internal/model"
	"netdash/internal/reconcile"
)

func TestLoadSnapshot_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	snap, err := LoadSnapshot(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Devices) != 0 {
		t.Fatalf("devices=%d", len(snap.Devices))
	}
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "state.yaml")
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	in := Snapshot{
		UpdatedAt: at,
		Devices: []model.Device{{
			MAC:        "aa:bb:cc:dd:ee:01",
			Hostname:   "tv",
			DeviceType: "TV",
			Filter:     model.FilterBlocked,
			Bands:      []model.BandEntry{{Band: "2.4GHz", List: model.ListBlocked, AddedAt: at}},
		}},
		Policies: []model.BandPolicy{{Band: "2.4GHz", Enabled: true, Mode: model.ListBlocked}},
	}
	if err := SaveSnapshot(path, in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(out.Devices) != 1 || out.Devices[0].Hostname != "tv" {
		t.Fatalf("devices=%+v", out.Devices)
	}
	if !out.UpdatedAt.Equal(at) {
		t.Fatalf("updated_at=%v", out.UpdatedAt)
	}

	view, err := out.View()
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	d, ok := view.Device("aa:bb:cc:dd:ee:01")
	if !ok || d.Filter != model.FilterBlocked || len(d.Bands) != 1 {
		t.Fatalf("device=%+v ok=%v", d, ok)
	}
}

func TestWriteYAML(t *testing.T) {
	t.Parallel()

	view, err := reconcile.Restore([]model.Device{{MAC: "aa:bb:cc:dd:ee:01", Hostname: "tv"}}, nil, time.Time{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteYAML(&buf, SnapshotOf(view)); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "mac_address: aa:bb:cc:dd:ee:01") || !strings.Contains(out, "hostname: tv") {
		t.Fatalf("yaml=%s", out)
	}
}
