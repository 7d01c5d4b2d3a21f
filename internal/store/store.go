// Package store publishes the current device view and anomaly snapshot to
// readers and fans out change notifications.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"netdash/internal/model"
	"netdash/internal/reconcile"
)

// Event is emitted after every published change.
type Event struct {
	Seq     uint64              `json:"seq"`
	At      time.Time           `json:"at"`
	Source  string              `json:"source"`
	Changes reconcile.ChangeSet `json:"changes"`
}

// UpdateFunc derives the next view from the current one.
type UpdateFunc func(cur *reconcile.View) (*reconcile.View, reconcile.ChangeSet, error)

type anomalySnapshot struct {
	records []model.AnomalyRecord
	at      time.Time
}

// Store holds the latest published state. Reads never block writers.
type Store struct {
	writeMu   sync.Mutex
	view      atomic.Pointer[reconcile.View]
	anomalies atomic.Pointer[anomalySnapshot]
	seq       atomic.Uint64

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int

	now func() time.Time
}

// New returns a store seeded with view, or an empty view when nil.
func New(view *reconcile.View) *Store {
	if view == nil {
		view = reconcile.NewView()
	}
	s := &Store{
		subs: map[int]chan Event{},
		now:  func() time.Time { return time.Now().UTC() },
	}
	s.view.Store(view)
	s.anomalies.Store(&anomalySnapshot{})
	return s
}

// View returns the current published view.
func (s *Store) View() *reconcile.View {
	return s.view.Load()
}

// Update runs fn against the current view and publishes the result. Writers
// are serialized; on error nothing is published.
func (s *Store) Update(source string, fn UpdateFunc) (reconcile.ChangeSet, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, changes, err := fn(s.view.Load())
	if err != nil {
		return reconcile.ChangeSet{}, err
	}
	if next != nil {
		s.view.Store(next)
	}
	if !changes.Empty() {
		s.publish(source, changes)
	}
	return changes, nil
}

// SetAnomalies replaces the anomaly snapshot.
func (s *Store) SetAnomalies(records []model.AnomalyRecord, at time.Time) {
	cp := append([]model.AnomalyRecord(nil), records...)
	s.anomalies.Store(&anomalySnapshot{records: cp, at: at})
}

// Anomalies returns a copy of the anomaly snapshot and when it was taken.
func (s *Store) Anomalies() ([]model.AnomalyRecord, time.Time) {
	snap := s.anomalies.Load()
	return append([]model.AnomalyRecord(nil), snap.records...), snap.at
}

// Subscribe registers a listener. Events are dropped for listeners whose
// buffer is full. Call cancel to unsubscribe; it closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) publish(source string, changes reconcile.ChangeSet) {
	ev := Event{
		Seq:     s.seq.Add(1),
		At:      s.now(),
		Source:  source,
		Changes: changes,
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
