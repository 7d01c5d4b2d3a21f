package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdash/internal/model"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// counter is a source whose update increments applied.
type counter struct {
	name    string
	fetches atomic.Int32
	applied atomic.Int32
	err     error
}

func (c *counter) Name() string { return c.name }

func (c *counter) Fetch(ctx context.Context) (Update, error) {
	c.fetches.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return func() error {
		c.applied.Add(1)
		return nil
	}, nil
}

// gated blocks in Fetch until release is closed.
type gated struct {
	name    string
	entered chan struct{}
	release chan struct{}
	applied atomic.Int32
}

func newGated(name string) *gated {
	return &gated{name: name, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gated) Name() string { return g.name }

func (g *gated) Fetch(ctx context.Context) (Update, error) {
	g.entered <- struct{}{}
	<-g.release
	return func() error {
		g.applied.Add(1)
		return nil
	}, nil
}

func TestRefreshAll_SourceUnavailableIsIsolated(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	good := &counter{name: "live_devices"}
	bad := &counter{name: "notifications", err: errors.New("connection refused")}
	require.NoError(t, o.Register(good, time.Minute))
	require.NoError(t, o.Register(bad, time.Minute))

	err := o.RefreshAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSourceUnavailable))
	assert.Contains(t, err.Error(), "notifications")

	assert.EqualValues(t, 1, good.applied.Load())
	assert.EqualValues(t, 0, bad.applied.Load())

	st, ok := o.Status("notifications")
	require.True(t, ok)
	assert.False(t, st.OK())
	assert.Equal(t, 1, st.Failures)
	assert.False(t, st.LastAttempt.IsZero())
	assert.True(t, st.LastSuccess.IsZero())

	st, _ = o.Status("live_devices")
	assert.True(t, st.OK())
	assert.False(t, st.LastSuccess.IsZero())

	// recovery on the next attempt clears the error state
	bad.err = nil
	ran, err := o.RefreshNow(context.Background(), "notifications")
	require.NoError(t, err)
	assert.True(t, ran)
	st, _ = o.Status("notifications")
	assert.True(t, st.OK())
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, 2, st.Runs)
}

func TestRefreshNow_CoalescesOverlappingRequests(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	g := newGated("bandwidth")
	require.NoError(t, o.Register(g, time.Minute))

	done := make(chan bool)
	go func() {
		ran, _ := o.RefreshNow(context.Background(), "bandwidth")
		done <- ran
	}()
	<-g.entered

	ran, err := o.RefreshNow(context.Background(), "bandwidth")
	require.NoError(t, err)
	assert.False(t, ran)
	st, _ := o.Status("bandwidth")
	assert.True(t, st.Busy)

	close(g.release)
	assert.True(t, <-done)
	assert.EqualValues(t, 1, g.applied.Load())
}

func TestRemove_DiscardsInFlightResult(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	g := newGated("device_watch")
	other := &counter{name: "live_devices"}
	require.NoError(t, o.Register(g, time.Minute))
	require.NoError(t, o.Register(other, time.Minute))

	done := make(chan error)
	go func() {
		_, err := o.RefreshNow(context.Background(), "device_watch")
		done <- err
	}()
	<-g.entered

	assert.True(t, o.Remove("device_watch"))
	assert.False(t, o.Remove("device_watch"))
	close(g.release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 0, g.applied.Load())

	_, err := o.RefreshNow(context.Background(), "device_watch")
	assert.True(t, errors.Is(err, ErrUnknownSource))

	ran, err := o.RefreshNow(context.Background(), "live_devices")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, o.Statuses(), 1)
}

func TestStart_PollsUntilStopped(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	c := &counter{name: "bandwidth"}
	require.NoError(t, o.Register(c, 10*time.Millisecond))

	o.Start(context.Background())
	require.Eventually(t, func() bool { return c.applied.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	o.Stop()

	after := c.fetches.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, c.fetches.Load())

	_, err := o.RefreshNow(context.Background(), "bandwidth")
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestRegister_WhileRunningStartsImmediately(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	c := &counter{name: "speed"}
	require.NoError(t, o.Register(c, time.Hour))
	require.Eventually(t, func() bool { return c.applied.Load() == 1 }, time.Second, 5*time.Millisecond)

	err := o.Register(&counter{name: "speed"}, time.Hour)
	assert.True(t, errors.Is(err, ErrDuplicateSource))
	assert.Error(t, o.Register(&counter{name: "zero"}, 0))
}

func TestApplies_AreSerialized(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	var inApply, maxInApply atomic.Int32
	var mu sync.Mutex
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		src := NewSource(name, func(ctx context.Context) (Update, error) {
			return func() error {
				n := inApply.Add(1)
				mu.Lock()
				if n > maxInApply.Load() {
					maxInApply.Store(n)
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				inApply.Add(-1)
				return nil
			}, nil
		})
		require.NoError(t, o.Register(src, time.Minute))
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, o.RefreshAll(context.Background()))
	}
	assert.EqualValues(t, 1, maxInApply.Load())
}

func TestApplyError_IsRecordedButNotSourceUnavailable(t *testing.T) {
	t.Parallel()

	o := New(quietLogger())
	src := NewSource("blocked_devices", func(ctx context.Context) (Update, error) {
		return func() error { return model.ErrInvalidBatch }, nil
	})
	require.NoError(t, o.Register(src, time.Minute))

	_, err := o.RefreshNow(context.Background(), "blocked_devices")
	assert.True(t, errors.Is(err, model.ErrInvalidBatch))
	assert.False(t, errors.Is(err, model.ErrSourceUnavailable))
	st, _ := o.Status("blocked_devices")
	assert.Equal(t, 1, st.Failures)
}

func TestRefreshNow_UnknownSource(t *testing.T) {
	t.Parallel()

	o := New(nil)
	_, err := o.RefreshNow(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownSource))
	_, ok := o.Status("nope")
	assert.False(t, ok)
}
