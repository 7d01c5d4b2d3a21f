// Package anomaly builds classified anomaly records from upstream
// notifications and provides the stats and filters the dashboard shows.
package anomaly

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"netdash/internal/classify"
	"netdash/internal/model"
	"netdash/internal/normalize"
)

// Known upstream categories. Any other category string is kept as is.
const (
	CategoryUploadSpike   = "upload_spike"
	CategoryDownloadSpike = "download_spike"
	CategoryHighUsage     = "high_bandwidth_usage"
	CategoryUploadRange   = "upload_4_6kb_range"
	CategoryDownloadRange = "download_4_6kb_range"
	CategoryUncategorized = "uncategorized"
)

const (
	windowToday = "today"
	windowWeek  = "week"
	windowAll   = "all"
)

// ErrUnknownWindow is returned for an unsupported date window.
var ErrUnknownWindow = errors.New("unknown date window")

// Resolver looks up a device in the current view by canonical MAC.
type Resolver func(mac string) (model.Device, bool)

// Build classifies raw notification objects. Records that are not objects
// are skipped and reported; the rest are returned newest first.
func Build(items []gjson.Result, resolve Resolver) ([]model.AnomalyRecord, []error) {
	out := make([]model.AnomalyRecord, 0, len(items))
	var rejected []error
	for i, item := range items {
		if !item.IsObject() {
			rejected = append(rejected, fmt.Errorf("%w: notification %d is not an object", model.ErrInvalidRecord, i))
			continue
		}
		out = append(out, build(item, i, resolve))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, rejected
}

func build(item gjson.Result, idx int, resolve Resolver) model.AnomalyRecord {
	remarks := firstString(item, "remarks", "message", "description")
	res := classify.Classify(remarks)

	rec := model.AnomalyRecord{
		ID:            firstString(item, "id", "notification_id", "_id"),
		DeviceID:      firstString(item, "device_id", "network_id"),
		Hostname:      firstString(item, "hostname", "device_name", "HostName"),
		IPAddress:     firstString(item, "ip_address", "IPAddress"),
		Category:      firstString(item, "types", "type", "category"),
		Remarks:       remarks,
		Summary:       classify.CleanRemarks(remarks),
		ProbableCause: classify.ProbableCause(remarks),
		Severity:      res.Severity,
		MagnitudeKBps: res.MagnitudeKBps,
		Direction:     res.Direction,
		Fallback:      res.Fallback,
		CreatedAt:     createdAt(item),
	}
	if rec.ID == "" {
		rec.ID = "n" + strconv.Itoa(idx)
	}
	if rec.Category == "" {
		rec.Category = CategoryUncategorized
	}
	if mac, err := normalize.CanonicalMAC(firstString(item, "mac_address", "MACAddress", "mac")); err == nil {
		rec.MAC = mac
	}
	if rec.MAC != "" && resolve != nil {
		if d, ok := resolve(rec.MAC); ok {
			if rec.Hostname == "" {
				rec.Hostname = d.Hostname
			}
			if rec.IPAddress == "" {
				rec.IPAddress = d.IPAddress
			}
		}
	}
	if rec.Hostname == "" {
		rec.Hostname = model.DefaultHostname
	}
	return rec
}

func firstString(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := item.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func createdAt(item gjson.Result) time.Time {
	v := item.Get("created_at")
	if !v.Exists() {
		v = item.Get("timestamp")
	}
	switch v.Type {
	case gjson.Number:
		return time.Unix(v.Int(), 0).UTC()
	case gjson.String:
		t, err := dateparse.ParseIn(v.String(), time.UTC)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	default:
		return time.Time{}
	}
}

// Stats are the counters shown above the anomaly list.
type Stats struct {
	Total    int `json:"total_count"`
	Upload   int `json:"upload_count"`
	Download int `json:"download_count"`
	Critical int `json:"critical_count"`
	High     int `json:"high_count"`
	Fallback int `json:"fallback_count"`
}

// Summarize counts records by direction and severity.
func Summarize(records []model.AnomalyRecord) Stats {
	count := func(pred func(model.AnomalyRecord) bool) int {
		return lo.CountBy(records, pred)
	}
	return Stats{
		Total:    len(records),
		Upload:   count(func(r model.AnomalyRecord) bool { return r.Direction == model.DirectionUpload }),
		Download: count(func(r model.AnomalyRecord) bool { return r.Direction == model.DirectionDownload }),
		Critical: count(func(r model.AnomalyRecord) bool { return r.Severity == model.SeverityCritical }),
		High:     count(func(r model.AnomalyRecord) bool { return r.Severity == model.SeverityHigh }),
		Fallback: count(func(r model.AnomalyRecord) bool { return r.Fallback }),
	}
}

// Query selects records. Empty fields match everything.
type Query struct {
	// Search matches hostname, IP address, remarks and category, case-insensitively.
	Search string
	// Since is "", "all", "today" or "week".
	Since    string
	Category string
	Severity model.Severity
	Now      time.Time
}

// Filter returns the records matching q, keeping their order.
func Filter(records []model.AnomalyRecord, q Query) ([]model.AnomalyRecord, error) {
	cutoff, err := windowStart(q.Since, q.Now)
	if err != nil {
		return nil, err
	}
	term := strings.ToLower(strings.TrimSpace(q.Search))
	category := q.Category
	if category == windowAll {
		category = ""
	}

	return lo.Filter(records, func(r model.AnomalyRecord, _ int) bool {
		if category != "" && r.Category != category {
			return false
		}
		if q.Severity != "" && r.Severity != q.Severity {
			return false
		}
		if !cutoff.IsZero() && r.CreatedAt.Before(cutoff) {
			return false
		}
		return term == "" || matches(r, term)
	}), nil
}

func matches(r model.AnomalyRecord, term string) bool {
	for _, field := range []string{r.Hostname, r.IPAddress, r.Remarks, r.Category} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// windowStart is local midnight for "today" and seven days back for "week".
func windowStart(since string, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now()
	}
	switch since {
	case "", windowAll:
		return time.Time{}, nil
	case windowToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case windowWeek:
		return now.AddDate(0, 0, -7), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownWindow, since)
	}
}

// Categories lists the distinct categories present, sorted.
func Categories(records []model.AnomalyRecord) []string {
	out := lo.Uniq(lo.Map(records, func(r model.AnomalyRecord, _ int) string {
		return r.Category
	}))
	sort.Strings(out)
	return out
}
