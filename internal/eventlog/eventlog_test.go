package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

func openTemp(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func ev(id string, kind pipeline.EventKind, at time.Time, ear float64, alerts uint64) pipeline.Event {
	return pipeline.Event{ID: id, Kind: kind, Time: at, Seq: uint64(at.Unix()), EAR: ear, TotalEvents: 1, AlertCount: alerts}
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, l.Record(ctx, ev("a", pipeline.EpisodeStarted, t0, 0.12, 0)))
	require.NoError(t, l.Record(ctx, ev("b", pipeline.AlertDispatched, t0.Add(time.Second), 0.11, 1)))
	require.NoError(t, l.Record(ctx, ev("c", pipeline.EpisodeEnded, t0.Add(2*time.Second), 0.31, 1)))
	require.NoError(t, l.Record(ctx, ev("c", pipeline.EpisodeEnded, t0.Add(2*time.Second), 0.31, 1)), "duplicate id is ignored")

	got, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, pipeline.EpisodeEnded, got[0].Kind)
	assert.True(t, got[0].Time.Equal(t0.Add(2*time.Second)))
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, uint64(1), got[1].AlertCount)
	assert.InDelta(t, 0.11, got[1].EAR, 1e-12)

	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	empty, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.Record(ctx, ev("1", pipeline.EpisodeStarted, t0, 0.14, 0)))
	require.NoError(t, l.Record(ctx, ev("2", pipeline.AlertDispatched, t0.Add(time.Second), 0.13, 1)))
	require.NoError(t, l.Record(ctx, ev("3", pipeline.EpisodeStarted, t0.Add(10*time.Second), 0.09, 1)))
	require.NoError(t, l.Record(ctx, ev("4", pipeline.AlertDispatched, t0.Add(11*time.Second), 0.08, 2)))

	s, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, int64(2), s.ByKind[pipeline.EpisodeStarted])
	assert.Equal(t, int64(2), s.ByKind[pipeline.AlertDispatched])
	assert.True(t, s.First.Equal(t0))
	assert.True(t, s.Last.Equal(t0.Add(11*time.Second)))
	assert.InDelta(t, 0.09, s.MinEAR, 1e-12)
	assert.Equal(t, int64(2), s.LastAlerts)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.Record(ctx, ev("old", pipeline.SourceLost, t0, 0, 0)))
	require.NoError(t, l.Record(ctx, ev("new", pipeline.SourceLost, t0.Add(time.Hour), 0, 0)))

	n, err := l.Prune(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, ev("x", pipeline.EpisodeStarted, time.Now(), 0.1, 0)))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)
}

func TestClosed(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Record(context.Background(), pipeline.Event{ID: "z"}), ErrClosed)
	_, err = l.Recent(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Summary(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
