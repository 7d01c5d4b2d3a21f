// Package hoststat reads cumulative network counters of the local host.
package hoststat

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/net"
)

// Totals are cumulative byte counters summed over the counted interfaces.
type Totals struct {
	BytesSent uint64 `json:"total_bytes_sent"`
	BytesRecv uint64 `json:"total_bytes_recv"`
}

// CounterFunc matches net.IOCountersWithContext.
type CounterFunc func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error)

// Reader sums interface counters, skipping loopback and excluded interfaces.
type Reader struct {
	counters CounterFunc
	exclude  map[string]bool
}

// New returns a reader backed by gopsutil.
func New(exclude ...string) *Reader {
	return NewWithCounters(net.IOCountersWithContext, exclude...)
}

// NewWithCounters returns a reader backed by fn.
func NewWithCounters(fn CounterFunc, exclude ...string) *Reader {
	r := &Reader{counters: fn, exclude: map[string]bool{}}
	for _, name := range exclude {
		r.exclude[name] = true
	}
	return r
}

// Totals returns the current counters.
func (r *Reader) Totals(ctx context.Context) (Totals, error) {
	stats, err := r.counters(ctx, true)
	if err != nil {
		return Totals{}, fmt.Errorf("read interface counters: %w", err)
	}
	var t Totals
	for _, s := range stats {
		if r.exclude[s.Name] || isLoopback(s.Name) {
			continue
		}
		t.BytesSent += s.BytesSent
		t.BytesRecv += s.BytesRecv
	}
	return t, nil
}

func isLoopback(name string) bool {
	return name == "lo" || strings.HasPrefix(name, "lo0") || strings.HasPrefix(strings.ToLower(name), "loopback")
}
