package series

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"netdash/internal/model"
)

// Well-known series names.
const (
	Bandwidth    = "bandwidth"
	DeviceCounts = "devices"
	Speed        = "speed"

	devicePrefix = "device:"
)

// Field names used inside the well-known series.
const (
	FieldSent     = "sent"
	FieldRecv     = "recv"
	FieldCount    = "count"
	FieldWired    = "wired"
	FieldWireless = "wireless"
	FieldUpload   = "upload"
	FieldDownload = "download"
	FieldPingMs   = "ping_ms"
)

// ErrUnknownSeries is returned for a series that was never defined or written.
var ErrUnknownSeries = errors.New("unknown series")

// DeviceSeries returns the per-device series name for mac.
func DeviceSeries(mac string) string {
	return devicePrefix + mac
}

// Append returns a new series holding at most capacity points: the most
// recent ones in arrival order. The input slice is never modified.
// Out-of-order timestamps are kept as given.
func Append(points []model.SeriesPoint, p model.SeriesPoint, capacity int) []model.SeriesPoint {
	if capacity <= 0 {
		return nil
	}
	start := 0
	if len(points)+1 > capacity {
		start = len(points) + 1 - capacity
	}
	out := make([]model.SeriesPoint, 0, capacity)
	out = append(out, points[start:]...)
	return append(out, p)
}

// NewPoint builds a point from name/value pairs.
func NewPoint(at time.Time, kv ...any) model.SeriesPoint {
	values := make(map[string]float64, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, _ := kv[i].(string)
		values[name] = toFloat(kv[i+1])
	}
	return model.SeriesPoint{Time: at, Values: values}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

// Registry holds named bounded series. Readers get copies.
type Registry struct {
	mu         sync.RWMutex
	capacities map[string]int
	defaultCap int
	series     map[string][]model.SeriesPoint
}

// NewRegistry creates a registry; series without an explicit capacity use defaultCap.
func NewRegistry(defaultCap int) *Registry {
	return &Registry{
		capacities: map[string]int{},
		defaultCap: defaultCap,
		series:     map[string][]model.SeriesPoint{},
	}
}

// Define sets the capacity of a named series, trimming it if needed.
func (r *Registry) Define(name string, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacities[name] = capacity
	if pts, ok := r.series[name]; ok && len(pts) > capacity {
		r.series[name] = append([]model.SeriesPoint(nil), pts[len(pts)-capacity:]...)
	}
}

// Append adds p to the named series, creating it on first use.
func (r *Registry) Append(name string, p model.SeriesPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series[name] = Append(r.series[name], p, r.capacityLocked(name))
}

// Get returns a copy of the named series.
func (r *Registry) Get(name string) ([]model.SeriesPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pts, ok := r.series[name]
	if !ok {
		if _, defined := r.capacities[name]; !defined {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
	}
	out := make([]model.SeriesPoint, len(pts))
	for i, p := range pts {
		out[i] = clonePoint(p)
	}
	return out, nil
}

// Drop removes a series and its capacity.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.series, name)
	delete(r.capacities, name)
}

// Names lists defined or populated series, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for name := range r.capacities {
		seen[name] = true
	}
	for name := range r.series {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) capacityLocked(name string) int {
	if c, ok := r.capacities[name]; ok {
		return c
	}
	return r.defaultCap
}

func clonePoint(p model.SeriesPoint) model.SeriesPoint {
	values := make(map[string]float64, len(p.Values))
	for k, v := range p.Values {
		values[k] = v
	}
	return model.SeriesPoint{Time: p.Time, Values: values}
}
