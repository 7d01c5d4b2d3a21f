package dashboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"netdash/internal/api"
	"netdash/internal/model"
	"netdash/internal/reconcile"
)

const topConsumers = 5

// Consumer is one entry of the top-consumers list.
type Consumer struct {
	MAC           string `json:"mac_address"`
	Hostname      string `json:"hostname"`
	UploadBytes   uint64 `json:"upload_bytes"`
	DownloadBytes uint64 `json:"download_bytes"`
	TotalBytes    uint64 `json:"total_bytes"`
}

// Summary is the overview shown on the dashboard home page.
type Summary struct {
	Total         int                `json:"total_devices"`
	Connected     int                `json:"connected"`
	Active        int                `json:"active"`
	Wired         int                `json:"wired"`
	Wireless      int                `json:"wireless"`
	Blocked       int                `json:"blocked"`
	Allowed       int                `json:"allowed"`
	Pending       int                `json:"pending"`
	UploadBytes   uint64             `json:"total_upload_bytes"`
	DownloadBytes uint64             `json:"total_download_bytes"`
	TopConsumers  []Consumer         `json:"top_consumers"`
	DeviceTypes   map[string]int     `json:"device_types"`
	Policies      []model.BandPolicy `json:"policies,omitempty"`
	Speed         *SpeedReport       `json:"speed,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Summary computes the overview from the current view.
func (d *Dashboard) Summary() Summary {
	s := Summarize(d.view())
	if sample := d.speed.Load(); sample != nil {
		report := GradeSpeed(*sample)
		s.Speed = &report
	}
	return s
}

// Summarize computes the overview of view.
func Summarize(view *reconcile.View) Summary {
	devices := view.Devices()
	connected, wired, wireless := view.Connected()

	count := func(pred func(model.Device) bool) int {
		return lo.CountBy(devices, pred)
	}

	s := Summary{
		Total:         len(devices),
		Connected:     connected,
		Wired:         wired,
		Wireless:      wireless,
		Active:        count(func(d model.Device) bool { return d.Activity == model.ActivityActive }),
		Blocked:       count(func(d model.Device) bool { return d.Filter == model.FilterBlocked }),
		Allowed:       count(func(d model.Device) bool { return d.Filter == model.FilterAllowed }),
		Pending:       count(func(d model.Device) bool { return d.Pending != model.PendingNone }),
		UploadBytes:   lo.SumBy(devices, func(d model.Device) uint64 { return d.UploadBytes }),
		DownloadBytes: lo.SumBy(devices, func(d model.Device) uint64 { return d.DownloadBytes }),
		Policies:      view.Policies(),
		UpdatedAt:     view.UpdatedAt(),
	}

	groups := lo.GroupBy(devices, func(d model.Device) string { return d.DeviceType })
	s.DeviceTypes = lo.MapValues(groups, func(ds []model.Device, _ string) int { return len(ds) })

	ranked := append([]model.Device(nil), devices...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].TotalBytes() > ranked[j].TotalBytes() })
	if len(ranked) > topConsumers {
		ranked = ranked[:topConsumers]
	}
	s.TopConsumers = lo.Map(ranked, func(d model.Device, _ int) Consumer {
		return Consumer{
			MAC:           d.MAC,
			Hostname:      d.Hostname,
			UploadBytes:   d.UploadBytes,
			DownloadBytes: d.DownloadBytes,
			TotalBytes:    d.TotalBytes(),
		}
	})
	return s
}

// Grade is a qualitative rating of one speed metric.
type Grade string

const (
	GradeExcellent Grade = "Excellent"
	GradeGood      Grade = "Good"
	GradeAverage   Grade = "Average"
	GradePoor      Grade = "Poor"
)

// SpeedReport is the latest speed sample with its grades.
type SpeedReport struct {
	api.SpeedSample
	PingGrade     Grade `json:"ping_grade"`
	DownloadGrade Grade `json:"download_grade"`
	UploadGrade   Grade `json:"upload_grade"`
}

// GradeSpeed rates a speed sample.
func GradeSpeed(s api.SpeedSample) SpeedReport {
	return SpeedReport{
		SpeedSample:   s,
		PingGrade:     GradePing(s.PingMs),
		DownloadGrade: GradeDownload(s.DownloadMbps),
		UploadGrade:   GradeUpload(s.UploadMbps),
	}
}

// GradePing rates round-trip latency; lower is better.
func GradePing(ms float64) Grade {
	switch {
	case ms < 20:
		return GradeExcellent
	case ms < 50:
		return GradeGood
	case ms < 100:
		return GradeAverage
	default:
		return GradePoor
	}
}

// GradeDownload rates download throughput in Mbps.
func GradeDownload(mbps float64) Grade { return gradeAbove(mbps, 300, 100, 50) }

// GradeUpload rates upload throughput in Mbps.
func GradeUpload(mbps float64) Grade { return gradeAbove(mbps, 100, 50, 20) }

func gradeAbove(v, excellent, good, average float64) Grade {
	switch {
	case v > excellent:
		return GradeExcellent
	case v > good:
		return GradeGood
	case v > average:
		return GradeAverage
	default:
		return GradePoor
	}
}

// FormatBytes renders a byte count with a 1024 base, e.g. "1.5 MB".
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB", "EB"}
	v := float64(n) / unit
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}
