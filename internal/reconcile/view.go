package reconcile

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"netdash/internal/model"
	"netdash/internal/normalize"
)

// View is an immutable merged device view. Every operation in this package
// returns a new View and leaves its input untouched, so a published View can
// be shared with any number of readers.
type View struct {
	devices   map[string]model.Device
	policies  map[string]model.BandPolicy
	updatedAt time.Time
}

// NewView returns an empty view.
func NewView() *View {
	return &View{
		devices:  map[string]model.Device{},
		policies: map[string]model.BandPolicy{},
	}
}

// Restore rebuilds a view from a saved device list. Devices whose MAC is not
// canonical are rejected; later duplicates replace earlier ones. Restored
// devices are not considered seen in the current live cycle.
func Restore(devices []model.Device, policies []model.BandPolicy, at time.Time) (*View, error) {
	v := NewView()
	for i, d := range devices {
		mac, err := normalize.CanonicalMAC(d.MAC)
		if err != nil || mac != d.MAC {
			return nil, fmt.Errorf("%w: device %d has non-canonical mac %q", model.ErrInvalidBatch, i, d.MAC)
		}
		d = cloneDevice(d)
		d.SeenLive = false
		d.Pending = model.PendingNone
		d.Filter = filterOf(d.Bands)
		v.devices[mac] = d
	}
	for _, p := range policies {
		v.policies[p.Band] = p
	}
	v.updatedAt = at
	return v, nil
}

// Len is the number of devices in the view.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.devices)
}

// UpdatedAt is the time of the last merge that produced this view.
func (v *View) UpdatedAt() time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.updatedAt
}

// Device returns a copy of the device with the given canonical MAC.
func (v *View) Device(mac string) (model.Device, bool) {
	if v == nil {
		return model.Device{}, false
	}
	d, ok := v.devices[mac]
	if !ok {
		return model.Device{}, false
	}
	return cloneDevice(d), true
}

// Devices returns copies of all devices ordered by MAC.
func (v *View) Devices() []model.Device {
	if v == nil {
		return nil
	}
	out := make([]model.Device, 0, len(v.devices))
	for _, d := range v.devices {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Policies returns the band filter policies reported so far, ordered by band.
func (v *View) Policies() []model.BandPolicy {
	if v == nil {
		return nil
	}
	out := make([]model.BandPolicy, 0, len(v.policies))
	for _, p := range v.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Band < out[j].Band })
	return out
}

// Connected counts devices seen in the latest live cycle, split by medium.
// Devices without a medium hint count as wireless.
func (v *View) Connected() (total, wired, wireless int) {
	if v == nil {
		return 0, 0, 0
	}
	for _, d := range v.devices {
		if !d.SeenLive || d.MissedCycles > 0 {
			continue
		}
		total++
		if d.Connection == model.ConnectionWired {
			wired++
		} else {
			wireless++
		}
	}
	return total, wired, wireless
}

func (v *View) clone() *View {
	next := &View{
		devices:   make(map[string]model.Device, len(v.devices)),
		policies:  make(map[string]model.BandPolicy, len(v.policies)),
		updatedAt: v.updatedAt,
	}
	for k, d := range v.devices {
		next.devices[k] = d
	}
	for k, p := range v.policies {
		next.policies[k] = p
	}
	return next
}

func cloneDevice(d model.Device) model.Device {
	if d.Bands != nil {
		d.Bands = append([]model.BandEntry(nil), d.Bands...)
	}
	return d
}

// ChangeSet lists the MACs that differ between two views.
type ChangeSet struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Diff compares two views. A device counts as updated when anything but its
// last-seen time or the number of missed cycles beyond the first changed.
func Diff(prev, next *View) ChangeSet {
	if prev == nil {
		prev = NewView()
	}
	if next == nil {
		next = NewView()
	}
	var c ChangeSet
	for mac, d := range next.devices {
		old, ok := prev.devices[mac]
		if !ok {
			c.Added = append(c.Added, mac)
			continue
		}
		if !sameDevice(old, d) {
			c.Updated = append(c.Updated, mac)
		}
	}
	for mac := range prev.devices {
		if _, ok := next.devices[mac]; !ok {
			c.Removed = append(c.Removed, mac)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Updated)
	sort.Strings(c.Removed)
	return c
}

func sameDevice(a, b model.Device) bool {
	a.LastSeen, b.LastSeen = time.Time{}, time.Time{}
	a.MissedCycles, b.MissedCycles = min(a.MissedCycles, 1), min(b.MissedCycles, 1)
	if len(a.Bands) == 0 && len(b.Bands) == 0 {
		a.Bands, b.Bands = nil, nil
	}
	return reflect.DeepEqual(a, b)
}
