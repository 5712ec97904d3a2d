package alert

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	busy    bool
	loadErr error
	playErr error
	loaded  string
	plays   int
	stops   int
	closes  int
	volume  float64
	late    int // calls after Close
}

func (f *fakeSink) Load(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = path
	return f.loadErr
}

func (f *fakeSink) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lateCall()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays++
	f.busy = true
	return nil
}

func (f *fakeSink) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lateCall()
	return f.busy
}

func (f *fakeSink) SetVolume(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lateCall()
	f.volume = v
	return nil
}

func (f *fakeSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lateCall()
	f.stops++
	f.busy = false
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) lateCall() {
	if f.closes > 0 {
		f.late++
	}
}

func (f *fakeSink) lateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.late
}

// finish simulates the end of the sound.
func (f *fakeSink) finish() {
	f.mu.Lock()
	f.busy = false
	f.mu.Unlock()
}

func (f *fakeSink) counts() (plays, stops, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays, f.stops, f.closes
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, sink Sink, opts ...Option) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{WithLogger(quietLogger()), WithClock(clk.Now)}, opts...)
	s := NewScheduler(testConfig(), sink, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestPlayAlertCooldown(t *testing.T) {
	sink := &fakeSink{}
	s, clk := newTestScheduler(t, sink)

	assert.True(t, s.PlayAlert(false), "first alert always dispatches")
	assert.False(t, s.PlayAlert(false), "inside cooldown")

	clk.Advance(1999 * time.Millisecond)
	assert.False(t, s.PlayAlert(false))

	clk.Advance(time.Millisecond)
	assert.True(t, s.PlayAlert(false), "cooldown elapsed")

	assert.Equal(t, uint64(2), s.AlertCount())
	assert.Equal(t, uint64(2), s.Stats().Suppressed)
}

func TestPlayAlertForceBypassesCooldown(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSink{})

	require.True(t, s.PlayAlert(false))
	assert.True(t, s.PlayAlert(true))
	assert.True(t, s.TestAlert())
	assert.Equal(t, uint64(3), s.AlertCount())
}

func TestPlayAlertStartsPlaybackAsync(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	require.True(t, s.PlayAlert(false))
	require.Eventually(t, func() bool { return s.IsPlaying() }, time.Second, time.Millisecond)

	sink.finish()
	require.Eventually(t, func() bool { return !s.IsPlaying() }, time.Second, time.Millisecond)

	plays, _, _ := sink.counts()
	assert.Equal(t, 1, plays)
	assert.Equal(t, "assets/alarm.wav", sink.loaded)
}

func TestNewRequestInterruptsPlayback(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	require.True(t, s.PlayAlert(true))
	require.Eventually(t, func() bool { return s.Stats().Playbacks == 1 }, time.Second, time.Millisecond)

	require.True(t, s.PlayAlert(true))
	require.Eventually(t, func() bool { return s.Stats().Playbacks == 2 }, time.Second, time.Millisecond)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Interrupted)
	plays, stops, _ := sink.counts()
	assert.Equal(t, 2, plays)
	assert.GreaterOrEqual(t, stops, 1, "current sound stopped before restarting")
	assert.True(t, sink.IsBusy(), "only one playback in flight")
}

func TestLoadFailureFallsBackToNotification(t *testing.T) {
	sink := &fakeSink{loadErr: errors.New("no such file")}
	var notified atomic.Int32
	s, _ := newTestScheduler(t, sink, WithFallback(func() { notified.Add(1) }))

	assert.False(t, s.AudioAvailable())
	assert.True(t, s.PlayAlert(false), "fallback still counts as dispatched")
	assert.Equal(t, int32(1), notified.Load(), "fallback runs synchronously")
	assert.Equal(t, uint64(1), s.AlertCount())
	assert.False(t, s.TestAlert(), "test alert reports missing audio")
	assert.Equal(t, uint64(2), s.AlertCount())

	_, _, closes := sink.counts()
	assert.Equal(t, 1, closes, "unusable sink released at construction")
}

func TestNilSinkFallback(t *testing.T) {
	var notified atomic.Int32
	s, _ := newTestScheduler(t, nil, WithFallback(func() { notified.Add(1) }))

	assert.True(t, s.PlayAlert(false))
	assert.False(t, s.IsPlaying())
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, uint64(1), s.Stats().Fallbacks)
	s.Stop()
	assert.Equal(t, 0.5, s.SetVolume(0.5))
}

func TestPlayFailureUsesFallback(t *testing.T) {
	sink := &fakeSink{playErr: errors.New("device gone")}
	var notified atomic.Int32
	s, _ := newTestScheduler(t, sink, WithFallback(func() { notified.Add(1) }))

	require.True(t, s.PlayAlert(false))
	require.Eventually(t, func() bool { return notified.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().PlayFailures)
	assert.False(t, s.IsPlaying())
}

func TestSetVolumeClamps(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	assert.Equal(t, 1.0, s.SetVolume(3))
	assert.Equal(t, 0.0, s.SetVolume(-1))
	assert.Equal(t, 0.3, s.SetVolume(0.3))
	assert.Equal(t, 0.3, s.Volume())
	sink.mu.Lock()
	assert.Equal(t, 0.3, sink.volume)
	sink.mu.Unlock()
}

func TestResetCount(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSink{})
	s.PlayAlert(false)
	s.ResetCount()
	assert.Equal(t, uint64(0), s.AlertCount())
}

func TestStopInterruptsSound(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	require.True(t, s.PlayAlert(false))
	require.Eventually(t, func() bool { return s.IsPlaying() }, time.Second, time.Millisecond)

	s.Stop()
	assert.False(t, sink.IsBusy())
}

func TestCloseIdempotent(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, _, closes := sink.counts()
	assert.Equal(t, 1, closes)
	assert.False(t, s.PlayAlert(true), "closed scheduler refuses dispatches")
}

func TestNoSinkCallsAfterClose(t *testing.T) {
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, sink)

	require.NoError(t, s.Close())
	assert.Equal(t, 0.4, s.SetVolume(0.4))
	assert.Equal(t, 0.4, s.Volume())
	s.Stop()
	assert.False(t, s.IsPlaying())

	assert.Zero(t, sink.lateCalls())
}

// gatedSink blocks the first Play until released.
type gatedSink struct {
	*fakeSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSink) Play() error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakeSink.Play()
}

func TestPendingRequestsCoalesce(t *testing.T) {
	sink := &gatedSink{fakeSink: &fakeSink{}, entered: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestScheduler(t, sink)

	require.True(t, s.PlayAlert(true))
	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("player never started the first playback")
	}

	// one request fills the pending slot, the rest merge into it
	for i := 0; i < 3; i++ {
		require.True(t, s.PlayAlert(true))
	}
	assert.Equal(t, uint64(2), s.Stats().Coalesced)
	assert.Equal(t, uint64(4), s.AlertCount())

	close(sink.release)
	require.Eventually(t, func() bool { return s.Stats().Playbacks == 2 }, time.Second, time.Millisecond)
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Interrupted, "the pending request restarts the sound once")
	assert.Equal(t, uint64(2), st.Coalesced)
}
