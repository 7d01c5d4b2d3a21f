package store

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"netdash/internal/model"
	"netdash/internal/reconcile"
)

// Snapshot is the persisted form of a device view.
type Snapshot struct {
	UpdatedAt time.Time          `yaml:"updated_at"`
	Devices   []model.Device     `yaml:"devices"`
	Policies  []model.BandPolicy `yaml:"policies,omitempty"`
}

// SnapshotOf captures view for persistence or output.
func SnapshotOf(view *reconcile.View) Snapshot {
	return Snapshot{
		UpdatedAt: view.UpdatedAt(),
		Devices:   view.Devices(),
		Policies:  view.Policies(),
	}
}

// View rebuilds a reconcile view from the snapshot.
func (s Snapshot) View() (*reconcile.View, error) {
	return reconcile.Restore(s.Devices, s.Policies, s.UpdatedAt)
}

// LoadSnapshot loads a snapshot from disk. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// SaveSnapshot writes the snapshot to disk.
func SaveSnapshot(path string, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// WriteYAML renders the snapshot to w.
func WriteYAML(w io.Writer, snap Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&snap); err != nil {
		return err
	}
	return enc.Close()
}
