// Package reconcile merges normalized device records from the live feed and
// from per-band block/allow lists into one view with exactly one device per
// canonical MAC.
//
// Live records own the identity and activity fields. List records own the
// filtering fields. A blocked entry on any band wins over allowed entries.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"netdash/internal/model"
	"netdash/internal/normalize"
)

// Kind identifies what a batch of records represents.
type Kind int

const (
	// LiveFeed is a complete live-devices response. Devices missing from it
	// are marked as missed for the end-of-cycle sweep.
	LiveFeed Kind = iota
	// LivePartial carries a subset of live devices and never marks absence.
	LivePartial
	BlockList
	AllowList
)

func (k Kind) String() string {
	switch k {
	case LiveFeed:
		return "live"
	case LivePartial:
		return "live_partial"
	case BlockList:
		return "block_list"
	case AllowList:
		return "allow_list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source is the kind of a batch plus, for lists, the band it is scoped to.
type Source struct {
	Kind Kind
	Band string
}

func Live() Source { return Source{Kind: LiveFeed} }

func Partial() Source { return Source{Kind: LivePartial} }

func Blocked(band string) Source { return Source{Kind: BlockList, Band: band} }

func Allowed(band string) Source { return Source{Kind: AllowList, Band: band} }

func (s Source) String() string {
	if s.Band == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + "(" + s.Band + ")"
}

func (s Source) isList() bool {
	return s.Kind == BlockList || s.Kind == AllowList
}

func (s Source) listKind() model.ListKind {
	if s.Kind == AllowList {
		return model.ListAllowed
	}
	return model.ListBlocked
}

// Step is one batch to merge as part of Apply.
type Step struct {
	Source  Source
	Records []model.DevicePartial
}

// Merge folds one batch into view. On error the returned view is the input
// view and nothing from the batch is applied.
func Merge(view *View, records []model.DevicePartial, src Source, now time.Time) (*View, ChangeSet, error) {
	return Apply(view, now, Step{Source: src, Records: records})
}

// Apply merges several batches as one unit: either all of them apply or
// none do. The change-set covers the combined effect.
func Apply(view *View, now time.Time, steps ...Step) (*View, ChangeSet, error) {
	if view == nil {
		view = NewView()
	}
	next := view.clone()
	for _, step := range steps {
		if err := validate(step); err != nil {
			return view, ChangeSet{}, err
		}
		if step.Source.isList() {
			mergeList(next, step, now)
		} else {
			mergeLive(next, step, now)
		}
	}
	next.updatedAt = now
	return next, Diff(view, next), nil
}

// ApplyPolicies records band filter policies alongside the device lists.
func ApplyPolicies(view *View, policies []model.BandPolicy) *View {
	if view == nil {
		view = NewView()
	}
	if len(policies) == 0 {
		return view
	}
	next := view.clone()
	for _, p := range policies {
		next.policies[p.Band] = p
	}
	return next
}

func validate(step Step) error {
	if step.Source.isList() && step.Source.Band == "" {
		return fmt.Errorf("%w: %s without band", model.ErrInvalidBatch, step.Source)
	}
	for i, p := range step.Records {
		mac, err := normalize.CanonicalMAC(p.MAC)
		if err != nil || mac != p.MAC {
			return fmt.Errorf("%w: record %d has non-canonical mac %q", model.ErrInvalidBatch, i, p.MAC)
		}
	}
	return nil
}

func mergeLive(next *View, step Step, now time.Time) {
	seen := make(map[string]bool, len(step.Records))
	for _, p := range step.Records {
		d, ok := next.devices[p.MAC]
		if !ok {
			d = newDevice(p.MAC, now)
		}
		if step.Source.Kind == LiveFeed {
			resetLiveFields(&d)
		}
		overlayIdentity(&d, p)
		if p.Connection != nil {
			d.Connection = *p.Connection
		}
		if p.Activity != nil {
			d.Activity = *p.Activity
		}
		if p.UploadBytes != nil {
			d.UploadBytes = *p.UploadBytes
		}
		if p.DownloadBytes != nil {
			d.DownloadBytes = *p.DownloadBytes
		}
		d.SeenLive = true
		d.LastSeen = now
		d.MissedCycles = 0
		next.devices[p.MAC] = d
		seen[p.MAC] = true
	}

	if step.Source.Kind != LiveFeed {
		return
	}
	for mac, d := range next.devices {
		if seen[mac] {
			continue
		}
		d.MissedCycles++
		next.devices[mac] = d
	}
}

func mergeList(next *View, step Step, now time.Time) {
	band := step.Source.Band
	kind := step.Source.listKind()
	members := make(map[string]bool, len(step.Records))

	for _, p := range step.Records {
		d, ok := next.devices[p.MAC]
		if !ok {
			d = newDevice(p.MAC, now)
		}
		if !d.SeenLive {
			overlayIdentity(&d, p)
		}
		added := now
		if p.AddedAt != nil {
			added = *p.AddedAt
		}
		d.Bands = withEntry(d.Bands, model.BandEntry{Band: band, List: kind, AddedAt: added})
		d.Filter = filterOf(d.Bands)
		next.devices[p.MAC] = d
		members[p.MAC] = true
	}

	// An entry on model.BandAll claims membership on every band, so absence
	// from any band's list drops it as well.
	for mac, d := range next.devices {
		if members[mac] || !(hasEntry(d.Bands, band, kind) || hasEntry(d.Bands, model.BandAll, kind)) {
			continue
		}
		d.Bands = withoutEntries(d.Bands, band, kind)
		d.Filter = filterOf(d.Bands)
		next.devices[mac] = d
	}
}

// Sweep ends a full refresh cycle. Devices missed for at least threshold
// live cycles are removed unless they are still filtered or have a request
// in flight; those are kept and shown offline.
func Sweep(view *View, threshold int, now time.Time) (*View, ChangeSet) {
	if view == nil {
		view = NewView()
	}
	if threshold < 1 {
		threshold = 1
	}
	next := view.clone()
	for mac, d := range next.devices {
		if d.MissedCycles < threshold {
			continue
		}
		if d.Filter == model.FilterUnrestricted && d.Pending == model.PendingNone {
			delete(next.devices, mac)
			continue
		}
		d.Activity = model.ActivityOffline
		next.devices[mac] = d
	}
	changes := Diff(view, next)
	if !changes.Empty() {
		next.updatedAt = now
	}
	return next, changes
}

// Action is a filtering request sent to the upstream controller.
type Action string

const (
	ActionBlock    Action = "block"
	ActionUnblock  Action = "unblock"
	ActionAllow    Action = "allow"
	ActionDisallow Action = "disallow"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrActionPending  = errors.New("filter request already pending")
	ErrUnknownAction  = errors.New("unknown filter action")
	ErrNothingPending = errors.New("no matching filter request pending")
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionBlock, ActionUnblock, ActionAllow, ActionDisallow:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Pending is the substatus shown while the request is unacknowledged.
func (a Action) Pending() model.Pending {
	switch a {
	case ActionBlock:
		return model.PendingBlocking
	case ActionUnblock:
		return model.PendingUnblocking
	case ActionAllow:
		return model.PendingAllowing
	case ActionDisallow:
		return model.PendingDisallowing
	default:
		return model.PendingNone
	}
}

// BeginAction marks a device as waiting for an acknowledgement. The filter
// state itself does not change until CommitAction.
func BeginAction(view *View, mac string, action Action, now time.Time) (*View, ChangeSet, error) {
	if view == nil {
		view = NewView()
	}
	if action.Pending() == model.PendingNone {
		return view, ChangeSet{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	d, ok := view.devices[mac]
	if !ok {
		return view, ChangeSet{}, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	if d.Pending != model.PendingNone {
		return view, ChangeSet{}, fmt.Errorf("%w: %s is %s", ErrActionPending, mac, d.Pending)
	}
	return updateDevice(view, mac, now, func(d *model.Device) {
		d.Pending = action.Pending()
	})
}

// CommitAction applies an acknowledged request for band and clears the
// pending substatus. An empty band means model.BandAll; unblock and disallow
// on model.BandAll clear the list on every band, and a band-scoped unblock or
// disallow also drops a model.BandAll entry.
func CommitAction(view *View, mac string, action Action, band string, now time.Time) (*View, ChangeSet, error) {
	if view == nil {
		view = NewView()
	}
	if action.Pending() == model.PendingNone {
		return view, ChangeSet{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if _, ok := view.devices[mac]; !ok {
		return view, ChangeSet{}, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	if band == "" {
		band = model.BandAll
	}
	return updateDevice(view, mac, now, func(d *model.Device) {
		switch action {
		case ActionBlock:
			d.Bands = withEntry(d.Bands, model.BandEntry{Band: band, List: model.ListBlocked, AddedAt: now})
		case ActionAllow:
			d.Bands = withEntry(d.Bands, model.BandEntry{Band: band, List: model.ListAllowed, AddedAt: now})
		case ActionUnblock:
			d.Bands = withoutEntries(d.Bands, bandMatch(band), model.ListBlocked)
		case ActionDisallow:
			d.Bands = withoutEntries(d.Bands, bandMatch(band), model.ListAllowed)
		}
		d.Filter = filterOf(d.Bands)
		if d.Pending == action.Pending() {
			d.Pending = model.PendingNone
		}
	})
}

// RollbackAction clears the pending substatus after a failed request.
func RollbackAction(view *View, mac string, action Action, now time.Time) (*View, ChangeSet, error) {
	if view == nil {
		view = NewView()
	}
	d, ok := view.devices[mac]
	if !ok {
		return view, ChangeSet{}, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	if d.Pending != action.Pending() {
		return view, ChangeSet{}, fmt.Errorf("%w: %s is %q", ErrNothingPending, mac, d.Pending)
	}
	return updateDevice(view, mac, now, func(d *model.Device) {
		d.Pending = model.PendingNone
	})
}

func updateDevice(view *View, mac string, now time.Time, fn func(*model.Device)) (*View, ChangeSet, error) {
	next := view.clone()
	d := next.devices[mac]
	fn(&d)
	next.devices[mac] = d
	next.updatedAt = now
	return next, Diff(view, next), nil
}

func newDevice(mac string, now time.Time) model.Device {
	return model.Device{
		MAC:        mac,
		Hostname:   model.DefaultHostname,
		DeviceType: model.DefaultDeviceType,
		Activity:   model.ActivityOffline,
		Filter:     model.FilterUnrestricted,
		FirstSeen:  now,
	}
}

// resetLiveFields clears everything a full live record owns so that fields
// the record omits fall back to defaults.
func resetLiveFields(d *model.Device) {
	d.Hostname = model.DefaultHostname
	d.IPAddress = ""
	d.Manufacturer = ""
	d.DeviceType = model.DefaultDeviceType
	d.Connection = ""
	d.Activity = model.ActivityOffline
	d.UploadBytes = 0
	d.DownloadBytes = 0
}

func overlayIdentity(d *model.Device, p model.DevicePartial) {
	if p.Hostname != nil {
		d.Hostname = *p.Hostname
	}
	if p.IPAddress != nil {
		d.IPAddress = *p.IPAddress
	}
	if p.Manufacturer != nil {
		d.Manufacturer = *p.Manufacturer
	}
	if p.DeviceType != nil {
		d.DeviceType = *p.DeviceType
	}
}

func filterOf(bands []model.BandEntry) model.FilterState {
	allowed := false
	for _, b := range bands {
		if b.List == model.ListBlocked {
			return model.FilterBlocked
		}
		if b.List == model.ListAllowed {
			allowed = true
		}
	}
	if allowed {
		return model.FilterAllowed
	}
	return model.FilterUnrestricted
}

func hasEntry(bands []model.BandEntry, band string, kind model.ListKind) bool {
	for _, b := range bands {
		if b.Band == band && b.List == kind {
			return true
		}
	}
	return false
}

// withEntry returns bands plus e, keeping the original entry (and its
// added time) when one already exists. The input slice is never modified.
func withEntry(bands []model.BandEntry, e model.BandEntry) []model.BandEntry {
	if hasEntry(bands, e.Band, e.List) {
		return bands
	}
	out := make([]model.BandEntry, 0, len(bands)+1)
	out = append(out, bands...)
	return append(out, e)
}

// bandMatch turns model.BandAll into a wildcard.
func bandMatch(band string) string {
	if band == model.BandAll {
		return ""
	}
	return band
}

// withoutEntries drops entries of kind on band, or on every band when band is
// "". Entries on model.BandAll are dropped for any band.
func withoutEntries(bands []model.BandEntry, band string, kind model.ListKind) []model.BandEntry {
	var out []model.BandEntry
	for _, b := range bands {
		if b.List == kind && (band == "" || b.Band == band || b.Band == model.BandAll) {
			continue
		}
		out = append(out, b)
	}
	return out
}
