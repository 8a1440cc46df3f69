package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_ReapGraceBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	rec, err := f.store.Create(ctx, KindPhotoShare, nil)
	require.NoError(t, err)

	// Exactly at ExpiresAt + ReapGrace the record must survive.
	f.clock.Advance(20*time.Minute + 5*time.Minute)
	rep := r.RunOnce(ctx)
	assert.Equal(t, ReapReport{Scanned: 1}, rep)
	assert.True(t, f.mr.Exists(Key(rec.ID)))

	f.clock.Advance(time.Nanosecond)
	rep = r.RunOnce(ctx)
	assert.Equal(t, 1, rep.Reaped)
	assert.False(t, f.mr.Exists(Key(rec.ID)))
	assert.Equal(t, []string{rec.ID}, f.side.Deleted())
	assert.Equal(t, []string{rec.ID}, f.notify.Ended())
}

func TestReaper_BetweenGracesInvisibleButKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	rec, err := f.store.Create(ctx, KindChatRoom, nil)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Minute)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	rep := r.RunOnce(ctx)
	assert.Zero(t, rep.Reaped)
	assert.True(t, f.mr.Exists(Key(rec.ID)))
}

func TestReaper_LeavesLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	for i := 0; i < 3; i++ {
		_, err := f.store.Create(ctx, KindWhiteboard, nil)
		require.NoError(t, err)
	}
	rep := r.RunOnce(ctx)
	assert.Equal(t, ReapReport{Scanned: 3}, rep)
	assert.Empty(t, f.side.Deleted())
}

func TestReaper_PartialDeleteCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	a, err := f.store.Create(ctx, KindPhotoShare, nil)
	require.NoError(t, err)
	b, err := f.store.Create(ctx, KindPhotoShare, nil)
	require.NoError(t, err)

	f.side.fail = errors.New("disk on fire")
	f.clock.Advance(time.Hour)

	rep := r.RunOnce(ctx)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 2, rep.Failed)
	// Records are gone regardless; the side storage is retried by the sweep.
	assert.False(t, f.mr.Exists(Key(a.ID)))
	assert.False(t, f.mr.Exists(Key(b.ID)))
}

func TestReaper_CorruptRecordIsOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	require.NoError(t, f.mr.Set(Key("broken"), "{"))

	rep := r.RunOnce(ctx)
	assert.Equal(t, 1, rep.Orphans)
	assert.False(t, f.mr.Exists(Key("broken")))
	assert.Equal(t, []string{"broken"}, f.side.Deleted())
}

func TestReaper_HiddenMemoryEntryIsOrphan(t *testing.T) {
	clock := newTestClock()
	side := &fakeSide{}
	s, err := NewStore(DefaultConfig(), nil, nil,
		WithClock(clock.Now), WithLogger(discardLogger()), WithSideStorage(side))
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := s.Create(ctx, KindWhiteboard, nil)
	require.NoError(t, err)

	// Past the backend retention the memory backend hides the entry.
	clock.Advance(2 * time.Hour)
	rep := NewReaper(s, ReaperConfig{}, discardLogger()).RunOnce(ctx)
	assert.Equal(t, 1, rep.Orphans)
	assert.Equal(t, []string{rec.ID}, side.Deleted())

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReaper_SweepsOrphanSideStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	live, err := f.store.Create(ctx, KindPhotoShare, nil)
	require.NoError(t, err)

	now := f.clock.Now()
	f.side.dirs[live.ID] = now.Add(-time.Hour)
	f.side.dirs["lost-in-restart"] = now.Add(-time.Hour)
	f.side.dirs["just-uploaded"] = now

	rep := r.RunOnce(ctx)
	assert.Equal(t, 1, rep.Orphans)
	assert.Equal(t, []string{"lost-in-restart"}, f.side.Deleted())
}

func TestReaper_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.store, ReaperConfig{}, discardLogger())

	for i := 0; i < 5; i++ {
		_, err := f.store.Create(context.Background(), KindWhiteboard, nil)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := r.RunOnce(ctx)
	assert.Zero(t, rep.Reaped)
}

func TestReaper_RunReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.store, ReaperConfig{Interval: 5 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
