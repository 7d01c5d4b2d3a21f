// Package dashboard wires the upstream client, the reconciler, the series
// registry and the poller into the running service.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"netdash/internal/anomaly"
	"netdash/internal/api"
	"netdash/internal/config"
	"netdash/internal/hoststat"
	"netdash/internal/model"
	"netdash/internal/poller"
	"netdash/internal/reconcile"
	"netdash/internal/series"
	"netdash/internal/store"
)

// Source names as registered with the poller.
const (
	SourceLiveDevices    = "live_devices"
	SourceBlockedDevices = "blocked_devices"
	SourceNotifications  = "notifications"
	SourceBandwidth      = "bandwidth"
	SourceSpeed          = "speed"
	SourceDeviceWatch    = "device_watch"
)

// Upstream is the subset of the api client the dashboard uses.
type Upstream interface {
	LiveDevices(ctx context.Context) ([]byte, error)
	BlockedDevices(ctx context.Context, q api.FilterQuery) ([]byte, error)
	Notifications(ctx context.Context, q api.NotificationsQuery) ([]byte, error)
	Block(ctx context.Context, req api.FilterRequest) (api.FilterAck, error)
	Unblock(ctx context.Context, req api.FilterRequest) (api.FilterAck, error)
	Bandwidth(ctx context.Context) (api.BandwidthTotals, error)
	Speed(ctx context.Context) (api.SpeedSample, error)
}

// HostCounters reads local interface totals.
type HostCounters interface {
	Totals(ctx context.Context) (hoststat.Totals, error)
}

// Options configure a Dashboard. Upstream is required.
type Options struct {
	Config   config.Config
	Upstream Upstream
	Host     HostCounters
	Store    *store.Store
	Log      *logrus.Entry
	Now      func() time.Time
}

// Dashboard is the running device-monitoring service.
type Dashboard struct {
	cfg    config.Config
	up     Upstream
	host   HostCounters
	store  *store.Store
	series *series.Registry
	poller *poller.Orchestrator
	log    *logrus.Entry
	now    func() time.Time

	speed atomic.Pointer[api.SpeedSample]

	watchMu sync.Mutex
	watched map[string]bool
}

// NewUpstream builds the api client described by cfg.
func NewUpstream(cfg config.UpstreamConfig) *api.Client {
	paths := api.Paths{
		LiveDevices:    cfg.Paths.LiveDevices,
		BlockedDevices: cfg.Paths.BlockedDevices,
		Notifications:  cfg.Paths.Notifications,
		Block:          cfg.Paths.Block,
		Unblock:        cfg.Paths.Unblock,
		Bandwidth:      cfg.Paths.Bandwidth,
		Speed:          cfg.Paths.Speed,
	}
	return api.NewClient(cfg.BaseURL, cfg.Token, paths, time.Duration(cfg.TimeoutSec)*time.Second)
}

// New builds a dashboard and registers every enabled source.
func New(opts Options) (*Dashboard, error) {
	if opts.Upstream == nil {
		return nil, fmt.Errorf("upstream required")
	}
	cfg := opts.Config
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	st := opts.Store
	if st == nil {
		st = store.New(nil)
	}
	host := opts.Host
	if host == nil && cfg.Sources.Bandwidth.Mode == config.BandwidthModeHost {
		host = hoststat.New()
	}

	reg := series.NewRegistry(cfg.Series.DeviceCapacity)
	reg.Define(series.Bandwidth, cfg.Series.BandwidthCapacity)
	reg.Define(series.DeviceCounts, cfg.Series.DeviceCountCapacity)
	reg.Define(series.Speed, cfg.Series.BandwidthCapacity)

	d := &Dashboard{
		cfg:     cfg,
		up:      opts.Upstream,
		host:    host,
		store:   st,
		series:  reg,
		poller:  poller.New(log),
		log:     log.WithField("component", "dashboard"),
		now:     now,
		watched: map[string]bool{},
	}
	if err := d.registerSources(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dashboard) registerSources() error {
	src := d.cfg.Sources
	sources := []struct {
		on       bool
		name     string
		interval time.Duration
		fetch    func(context.Context) (poller.Update, error)
	}{
		{src.LiveDevices.On(), SourceLiveDevices, src.LiveDevices.Interval(), d.fetchLive},
		{src.BlockedDevices.On(), SourceBlockedDevices, src.BlockedDevices.Interval(), d.fetchFilters},
		{src.Notifications.On(), SourceNotifications, src.Notifications.Interval(), d.fetchNotifications},
		{src.Bandwidth.On(), SourceBandwidth, src.Bandwidth.Interval(), d.fetchBandwidth},
		{src.Speed.On(), SourceSpeed, src.Speed.Interval(), d.fetchSpeed},
	}
	for _, s := range sources {
		if !s.on {
			continue
		}
		if err := d.poller.Register(poller.NewSource(s.name, s.fetch), s.interval); err != nil {
			return err
		}
	}
	return nil
}

// Start begins polling. It returns immediately.
func (d *Dashboard) Start(ctx context.Context) {
	d.poller.Start(ctx)
}

// Stop stops polling and waits for in-flight refreshes to finish.
func (d *Dashboard) Stop() {
	d.poller.Stop()
}

// Store is the published device state.
func (d *Dashboard) Store() *store.Store { return d.store }

// Series is the chart series registry.
func (d *Dashboard) Series() *series.Registry { return d.series }

// Sources returns the status of every polled source.
func (d *Dashboard) Sources() []poller.Status { return d.poller.Statuses() }

// RefreshNow refreshes one source immediately.
func (d *Dashboard) RefreshNow(ctx context.Context, name string) (bool, error) {
	return d.poller.RefreshNow(ctx, name)
}

// RefreshAll refreshes every source once.
func (d *Dashboard) RefreshAll(ctx context.Context) error {
	return d.poller.RefreshAll(ctx)
}

// Devices returns the current devices ordered by MAC.
func (d *Dashboard) Devices() []model.Device {
	return d.store.View().Devices()
}

// Device returns one device by canonical MAC.
func (d *Dashboard) Device(mac string) (model.Device, bool) {
	return d.store.View().Device(mac)
}

// Anomalies returns the classified anomalies matching q.
func (d *Dashboard) Anomalies(q anomaly.Query) ([]model.AnomalyRecord, error) {
	recs, _ := d.store.Anomalies()
	if q.Now.IsZero() {
		q.Now = d.now()
	}
	return anomaly.Filter(recs, q)
}

// AnomalyStats summarizes the current anomaly snapshot.
func (d *Dashboard) AnomalyStats() anomaly.Stats {
	recs, _ := d.store.Anomalies()
	return anomaly.Summarize(recs)
}

func (d *Dashboard) view() *reconcile.View {
	return d.store.View()
}
