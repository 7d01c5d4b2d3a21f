package dashboard

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"netdash/internal/anomaly"
	"netdash/internal/api"
	"netdash/internal/config"
	"netdash/internal/hoststat"
	"netdash/internal/model"
	"netdash/internal/normalize"
	"netdash/internal/poller"
	"netdash/internal/reconcile"
	"netdash/internal/series"
)

func (d *Dashboard) logRejected(source string, rejected []error) {
	if len(rejected) == 0 {
		return
	}
	entry := d.log.WithFields(logrus.Fields{"source": source, "rejected": len(rejected)})
	entry.Warnf("skipped invalid records: %v", rejected[0])
}

// fetchLive polls the full live feed. Applying it ends a live cycle: absent
// devices are marked and the stale ones swept.
func (d *Dashboard) fetchLive(ctx context.Context) (poller.Update, error) {
	body, err := d.up.LiveDevices(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := normalize.ParseLiveFeed(body)
	if err != nil {
		return nil, err
	}
	d.logRejected(SourceLiveDevices, batch.Rejected)

	return func() error {
		now := d.now()
		_, err := d.store.Update(SourceLiveDevices, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
			next, _, err := reconcile.Merge(cur, batch.Records, reconcile.Live(), now)
			if err != nil {
				return nil, reconcile.ChangeSet{}, err
			}
			next, _ = reconcile.Sweep(next, d.cfg.Reconcile.StaleCycles, now)
			return next, reconcile.Diff(cur, next), nil
		})
		if err != nil {
			return err
		}
		total, wired, wireless := d.store.View().Connected()
		d.series.Append(series.DeviceCounts, series.NewPoint(now,
			series.FieldCount, total,
			series.FieldWired, wired,
			series.FieldWireless, wireless,
		))
		return nil
	}, nil
}

// fetchFilters polls the block and allow lists of every configured band and
// applies them together.
func (d *Dashboard) fetchFilters(ctx context.Context) (poller.Update, error) {
	var steps []reconcile.Step
	var policies []model.BandPolicy
	for _, band := range d.cfg.Sources.BlockedDevices.Bands {
		body, err := d.up.BlockedDevices(ctx, api.FilterQuery{Band: band})
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", band, err)
		}
		resp, err := normalize.ParseFilterLists(body, band)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", band, err)
		}
		for _, list := range resp.Lists {
			d.logRejected(SourceBlockedDevices, list.Rejected)
			src := reconcile.Blocked(list.Band)
			if list.Kind == model.ListAllowed {
				src = reconcile.Allowed(list.Band)
			}
			steps = append(steps, reconcile.Step{Source: src, Records: list.Records})
		}
		policies = append(policies, resp.Policies...)
	}

	return func() error {
		now := d.now()
		_, err := d.store.Update(SourceBlockedDevices, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
			next, changes, err := reconcile.Apply(cur, now, steps...)
			if err != nil {
				return nil, reconcile.ChangeSet{}, err
			}
			return reconcile.ApplyPolicies(next, policies), changes, nil
		})
		return err
	}, nil
}

// fetchNotifications polls and classifies the anomaly notifications.
func (d *Dashboard) fetchNotifications(ctx context.Context) (poller.Update, error) {
	cfg := d.cfg.Sources.Notifications
	body, err := d.up.Notifications(ctx, api.NotificationsQuery{Limit: cfg.Limit, Category: cfg.Category})
	if err != nil {
		return nil, err
	}
	items, err := normalize.ParseNotifications(body)
	if err != nil {
		return nil, err
	}

	return func() error {
		view := d.store.View()
		recs, rejected := anomaly.Build(items, view.Device)
		d.logRejected(SourceNotifications, rejected)
		for _, r := range recs {
			if r.Fallback {
				d.log.WithFields(logrus.Fields{"source": SourceNotifications, "id": r.ID}).
					Debug("no severity hint in remarks, using default")
			}
		}
		d.store.SetAnomalies(recs, d.now())
		return nil
	}, nil
}

// fetchBandwidth reads cumulative traffic totals from upstream or the local host.
func (d *Dashboard) fetchBandwidth(ctx context.Context) (poller.Update, error) {
	var totals hoststat.Totals
	if d.cfg.Sources.Bandwidth.Mode == config.BandwidthModeHost {
		if d.host == nil {
			return nil, fmt.Errorf("host counters unavailable")
		}
		t, err := d.host.Totals(ctx)
		if err != nil {
			return nil, err
		}
		totals = t
	} else {
		t, err := d.up.Bandwidth(ctx)
		if err != nil {
			return nil, err
		}
		totals = hoststat.Totals{BytesSent: t.BytesSent, BytesRecv: t.BytesRecv}
	}

	return func() error {
		d.series.Append(series.Bandwidth, series.NewPoint(d.now(),
			series.FieldSent, totals.BytesSent,
			series.FieldRecv, totals.BytesRecv,
		))
		return nil
	}, nil
}

// fetchSpeed reads the latest link speed measurement.
func (d *Dashboard) fetchSpeed(ctx context.Context) (poller.Update, error) {
	sample, err := d.up.Speed(ctx)
	if err != nil {
		return nil, err
	}
	return func() error {
		d.speed.Store(&sample)
		d.series.Append(series.Speed, series.NewPoint(d.now(),
			series.FieldDownload, sample.DownloadMbps,
			series.FieldUpload, sample.UploadMbps,
			series.FieldPingMs, sample.PingMs,
		))
		return nil
	}, nil
}

// fetchWatched polls the live feed for the watched devices only and records
// their counters. It is a partial refresh and never marks absence.
func (d *Dashboard) fetchWatched(ctx context.Context) (poller.Update, error) {
	watched := d.Watched()
	if len(watched) == 0 {
		return nil, nil
	}
	body, err := d.up.LiveDevices(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := normalize.ParseLiveFeed(body)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(watched))
	for _, mac := range watched {
		want[mac] = true
	}
	var records []model.DevicePartial
	for _, p := range batch.Records {
		if want[p.MAC] {
			records = append(records, p)
		}
	}

	return func() error {
		now := d.now()
		_, err := d.store.Update(SourceDeviceWatch, func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error) {
			return reconcile.Merge(cur, records, reconcile.Partial(), now)
		})
		if err != nil {
			return err
		}
		view := d.store.View()
		for _, p := range records {
			dev, ok := view.Device(p.MAC)
			if !ok || !d.isWatched(p.MAC) {
				continue
			}
			d.series.Append(series.DeviceSeries(p.MAC), series.NewPoint(now,
				series.FieldUpload, dev.UploadBytes,
				series.FieldDownload, dev.DownloadBytes,
			))
		}
		return nil
	}, nil
}
