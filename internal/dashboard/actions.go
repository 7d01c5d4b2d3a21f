package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"netdash/internal/api"
	"netdash/internal/model"
	"netdash/internal/normalize"
	"netdash/internal/poller"
	"netdash/internal/reconcile"
	"netdash/internal/series"
)

// ErrNotWatched is returned when unwatching a device that is not watched.
var ErrNotWatched = errors.New("device not watched")

const actionSource = "action"

// Act sends a filtering request for one device. The device shows the
// pending substatus until the upstream acknowledges; on failure the
// substatus is rolled back and the filter state is left as it was.
func (d *Dashboard) Act(ctx context.Context, mac string, action reconcile.Action, band string) (model.Device, error) {
	mac, err := normalize.CanonicalMAC(mac)
	if err != nil {
		return model.Device{}, err
	}
	if action.Pending() == model.PendingNone {
		return model.Device{}, fmt.Errorf("%w: %q", reconcile.ErrUnknownAction, action)
	}

	_, err = d.store.Update(actionSource, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
		return reconcile.BeginAction(cur, mac, action, d.now())
	})
	if err != nil {
		return model.Device{}, err
	}
	dev, _ := d.store.View().Device(mac)

	req := api.FilterRequest{
		DeviceName: dev.Hostname,
		MACAddress: mac,
		ListType:   listTypeFor(action),
	}
	log := d.log.WithField("mac", mac).WithField("action", string(action))
	switch action {
	case reconcile.ActionBlock, reconcile.ActionAllow:
		_, err = d.up.Block(ctx, req)
	default:
		req.Order = orderOf(d.store.View(), dev, action, band)
		_, err = d.up.Unblock(ctx, req)
	}
	if err != nil {
		log.Warnf("filter request failed: %v", err)
		_, rbErr := d.store.Update(actionSource, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
			return reconcile.RollbackAction(cur, mac, action, d.now())
		})
		if rbErr != nil {
			log.Errorf("rollback failed: %v", rbErr)
		}
		return model.Device{}, err
	}

	_, err = d.store.Update(actionSource, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
		next := cur
		for _, b := range d.commitBands(action, band) {
			var err error
			if next, _, err = reconcile.CommitAction(next, mac, action, b, d.now()); err != nil {
				return nil, reconcile.ChangeSet{}, err
			}
		}
		return next, reconcile.Diff(cur, next), nil
	})
	if err != nil {
		return model.Device{}, err
	}
	log.Info("filter request acknowledged")
	dev, _ = d.store.View().Device(mac)
	return dev, nil
}

// commitBands lists the bands an acknowledged action is recorded on. An
// unscoped block or allow applies to every polled band, so each band's
// list refresh can later confirm or drop it.
func (d *Dashboard) commitBands(action reconcile.Action, band string) []string {
	if band != "" && band != model.BandAll {
		return []string{band}
	}
	switch action {
	case reconcile.ActionBlock, reconcile.ActionAllow:
		if bands := d.cfg.Sources.BlockedDevices.Bands; len(bands) > 0 {
			return bands
		}
	}
	return []string{model.BandAll}
}

func listTypeFor(action reconcile.Action) api.ListType {
	switch action {
	case reconcile.ActionBlock:
		return api.ListBlocklist
	case reconcile.ActionAllow:
		return api.ListTrustlist
	default:
		return api.ListUnblocked
	}
}

// orderOf is the 1-based position of dev in the list it is removed from,
// ordered by the time entries were added. Zero when unknown.
func orderOf(view *reconcile.View, dev model.Device, action reconcile.Action, band string) int {
	kind := model.ListBlocked
	if action == reconcile.ActionDisallow {
		kind = model.ListAllowed
	}
	if band == "" {
		band = model.BandAll
	}
	type member struct {
		mac   string
		entry model.BandEntry
	}
	var members []member
	for _, other := range view.Devices() {
		for _, e := range other.Bands {
			if e.List == kind && (band == model.BandAll || e.Band == band) {
				members = append(members, member{mac: other.MAC, entry: e})
				break
			}
		}
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].entry.AddedAt.Before(members[j].entry.AddedAt)
	})
	for i, m := range members {
		if m.mac == dev.MAC {
			return i + 1
		}
	}
	return 0
}

// Watch starts per-device counter polling for mac. The watch source is
// started with the first watched device.
func (d *Dashboard) Watch(mac string) (string, error) {
	mac, err := normalize.CanonicalMAC(mac)
	if err != nil {
		return "", err
	}
	if _, ok := d.store.View().Device(mac); !ok {
		return "", fmt.Errorf("%w: %s", reconcile.ErrUnknownDevice, mac)
	}

	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if d.watched[mac] {
		return mac, nil
	}
	d.watched[mac] = true
	d.series.Define(series.DeviceSeries(mac), d.cfg.Series.DeviceCapacity)
	if len(d.watched) == 1 {
		src := d.cfg.Sources.DeviceWatch
		if err := d.poller.Register(poller.NewSource(SourceDeviceWatch, d.fetchWatched), src.Interval()); err != nil {
			delete(d.watched, mac)
			d.series.Drop(series.DeviceSeries(mac))
			return "", err
		}
	}
	return mac, nil
}

// Unwatch stops polling mac and drops its series. The watch source stops
// with the last watched device.
func (d *Dashboard) Unwatch(mac string) error {
	mac, err := normalize.CanonicalMAC(mac)
	if err != nil {
		return err
	}
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if !d.watched[mac] {
		return fmt.Errorf("%w: %s", ErrNotWatched, mac)
	}
	delete(d.watched, mac)
	d.series.Drop(series.DeviceSeries(mac))
	if len(d.watched) == 0 {
		d.poller.Remove(SourceDeviceWatch)
	}
	return nil
}

// Watched lists watched MACs, sorted.
func (d *Dashboard) Watched() []string {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	out := make([]string, 0, len(d.watched))
	for mac := range d.watched {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}

func (d *Dashboard) isWatched(mac string) bool {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	return d.watched[mac]
}
