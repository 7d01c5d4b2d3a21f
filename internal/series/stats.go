package series

import (
	"math"
	"sort"
	"time"

	"netdash/internal/model"
)

// Summary is a basic statistics snapshot of one field of a series.
type Summary struct {
	Field string    `json:"field"`
	Count int       `json:"count"`
	From  time.Time `json:"from,omitempty"`
	To    time.Time `json:"to,omitempty"`
	Avg   float64   `json:"avg"`
	P95   float64   `json:"p95"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Last  float64   `json:"last"`
}

// Summarize computes statistics for field over points at or after since.
// Points that do not carry field are skipped.
func Summarize(points []model.SeriesPoint, field string, since time.Time) Summary {
	values := make([]float64, 0, len(points))
	var sum float64
	minV := math.MaxFloat64
	maxV := -math.MaxFloat64
	var from, to time.Time
	last := 0.0

	for _, p := range points {
		if p.Time.Before(since) {
			continue
		}
		v, ok := p.Values[field]
		if !ok {
			continue
		}
		values = append(values, v)
		sum += v
		last = v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		if from.IsZero() || p.Time.Before(from) {
			from = p.Time
		}
		if p.Time.After(to) {
			to = p.Time
		}
	}

	if len(values) == 0 {
		return Summary{Field: field}
	}

	sort.Float64s(values)
	return Summary{
		Field: field,
		Count: len(values),
		From:  from,
		To:    to,
		Avg:   sum / float64(len(values)),
		P95:   percentile(values, 0.95),
		Min:   minV,
		Max:   maxV,
		Last:  last,
	}
}

// Rates converts a cumulative counter field into per-second deltas between
// consecutive points. Counter resets produce no delta.
func Rates(points []model.SeriesPoint, field string) []float64 {
	out := make([]float64, 0, len(points))
	for i := 1; i < len(points); i++ {
		prev, ok1 := points[i-1].Values[field]
		cur, ok2 := points[i].Values[field]
		if !ok1 || !ok2 || cur < prev {
			continue
		}
		secs := points[i].Time.Sub(points[i-1].Time).Seconds()
		if secs <= 0 {
			continue
		}
		out = append(out, (cur-prev)/secs)
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
