// Package poller runs periodic refresh tasks, one per data source, and
// applies their results one at a time.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"netdash/internal/model"
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrDuplicateSource = errors.New("source already registered")
	ErrStopped         = errors.New("poller stopped")
)

// Update applies fetched data to shared state. It runs under the
// orchestrator's apply lock, so updates never interleave.
type Update func() error

// Source fetches one kind of data. Fetch does the I/O and returns the
// Update to apply; it must not touch shared state itself.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Update, error)
}

type funcSource struct {
	name  string
	fetch func(ctx context.Context) (Update, error)
}

func (s funcSource) Name() string { return s.name }

func (s funcSource) Fetch(ctx context.Context) (Update, error) { return s.fetch(ctx) }

// NewSource adapts a fetch function to a Source.
func NewSource(name string, fetch func(ctx context.Context) (Update, error)) Source {
	return funcSource{name: name, fetch: fetch}
}

// Status is the health of one source.
type Status struct {
	Name        string    `json:"name"`
	IntervalSec float64   `json:"interval_sec"`
	Busy        bool      `json:"busy"`
	Runs        int       `json:"runs"`
	Failures    int       `json:"consecutive_failures"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// OK reports whether the last attempt succeeded.
func (s Status) OK() bool {
	return s.LastError == ""
}

type task struct {
	src      Source
	interval time.Duration
	busy     atomic.Bool
	stopped  atomic.Bool
	cancel   context.CancelFunc

	mu     sync.Mutex
	status Status
}

func (t *task) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status
	st.Busy = t.busy.Load()
	return st
}

// Orchestrator schedules registered sources. Each source has its own ticker
// and can be refreshed on demand; a refresh requested while one is already
// running for the same source is coalesced.
type Orchestrator struct {
	log *logrus.Entry
	now func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	running bool
	wg      sync.WaitGroup

	applyMu sync.Mutex
}

// New creates an idle orchestrator.
func New(log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		log:   log.WithField("component", "poller"),
		now:   func() time.Time { return time.Now().UTC() },
		tasks: map[string]*task{},
	}
}

// Register adds a source. When the orchestrator is running the source
// starts polling right away.
func (o *Orchestrator) Register(src Source, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("source %s: interval must be positive", src.Name())
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	name := src.Name()
	if _, ok := o.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}
	t := &task{
		src:      src,
		interval: interval,
		status:   Status{Name: name, IntervalSec: interval.Seconds()},
	}
	o.tasks[name] = t
	if o.running {
		o.startLocked(t)
	}
	return nil
}

// Start launches every registered source. Each runs once immediately and
// then on its interval until ctx is done, Stop is called or it is removed.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.ctx = ctx
	o.running = true
	for _, t := range o.tasks {
		t.stopped.Store(false)
		o.startLocked(t)
	}
	o.log.Infof("polling %d sources", len(o.tasks))
}

func (o *Orchestrator) startLocked(t *task) {
	ctx, cancel := context.WithCancel(o.ctx)
	t.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(ctx, t)
	}()
}

func (o *Orchestrator) loop(ctx context.Context, t *task) {
	o.refresh(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refresh(ctx, t)
		}
	}
}

func (o *Orchestrator) refresh(ctx context.Context, t *task) {
	ran, err := o.run(ctx, t)
	if !ran || err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	o.log.WithField("source", t.src.Name()).Warnf("refresh failed: %v", err)
}

// Stop cancels every source and waits for their loops to exit. Results of
// fetches still in flight are discarded.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for _, t := range o.tasks {
		t.stopped.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
	}
	o.running = false
	o.mu.Unlock()

	o.wg.Wait()
}

// Remove cancels and forgets one source without affecting the others.
func (o *Orchestrator) Remove(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[name]
	if !ok {
		return false
	}
	t.stopped.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
	delete(o.tasks, name)
	return true
}

// RefreshNow runs one source immediately. It returns false without error
// when a refresh of that source is already in progress.
func (o *Orchestrator) RefreshNow(ctx context.Context, name string) (bool, error) {
	o.mu.Lock()
	t, ok := o.tasks[name]
	o.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if t.stopped.Load() {
		return false, fmt.Errorf("%w: %s", ErrStopped, name)
	}
	return o.run(ctx, t)
}

// RefreshAll runs every source concurrently and waits for all of them.
// Failures are joined; one failing source does not stop the others.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	o.mu.Lock()
	tasks := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		if t.stopped.Load() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.run(ctx, t)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status returns the status of one source.
func (o *Orchestrator) Status(name string) (Status, bool) {
	o.mu.Lock()
	t, ok := o.tasks[name]
	o.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return t.snapshot(), true
}

// Statuses returns every source's status ordered by name.
func (o *Orchestrator) Statuses() []Status {
	o.mu.Lock()
	out := make([]Status, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) run(ctx context.Context, t *task) (bool, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer t.busy.Store(false)

	name := t.src.Name()
	t.mu.Lock()
	t.status.LastAttempt = o.now()
	t.mu.Unlock()

	update, err := t.src.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", model.ErrSourceUnavailable, name, err)
		o.record(t, err)
		return true, err
	}

	o.applyMu.Lock()
	if t.stopped.Load() || ctx.Err() != nil {
		o.applyMu.Unlock()
		o.log.WithField("source", name).Debug("discarding result of stopped refresh")
		return true, nil
	}
	if update != nil {
		err = update()
	}
	o.applyMu.Unlock()

	o.record(t, err)
	return true, err
}

func (o *Orchestrator) record(t *task, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Runs++
	if err != nil {
		t.status.Failures++
		t.status.LastError = err.Error()
		return
	}
	t.status.Failures = 0
	t.status.LastError = ""
	t.status.LastSuccess = o.now()
}
