package invites

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inviteward/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type listFunc func(ctx context.Context) ([]Invite, error)

type fakeLister struct {
	mu     sync.Mutex
	guilds map[string]listFunc
	calls  map[string]int
}

func newFakeLister() *fakeLister {
	return &fakeLister{guilds: make(map[string]listFunc), calls: make(map[string]int)}
}

func (f *fakeLister) set(guildID string, invites ...Invite) {
	f.setFunc(guildID, func(context.Context) ([]Invite, error) {
		return append([]Invite(nil), invites...), nil
	})
}

func (f *fakeLister) fail(guildID string, err error) {
	f.setFunc(guildID, func(context.Context) ([]Invite, error) { return nil, err })
}

func (f *fakeLister) setFunc(guildID string, fn listFunc) {
	f.mu.Lock()
	f.guilds[guildID] = fn
	f.mu.Unlock()
}

func (f *fakeLister) ListInvites(ctx context.Context, guildID string) ([]Invite, error) {
	f.mu.Lock()
	fn := f.guilds[guildID]
	f.calls[guildID]++
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

type failingRepo struct {
	mu    sync.Mutex
	fails int
	inner Repository
}

func (r *failingRepo) RecordJoin(ctx context.Context, guildID, invitedID, inviterID, code string, at time.Time) error {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return errors.New("disk full")
	}
	r.mu.Unlock()
	return r.inner.RecordJoin(ctx, guildID, invitedID, inviterID, code, at)
}

func (r *failingRepo) RecordLeave(ctx context.Context, guildID, userID string, at time.Time) (storage.Attribution, bool, error) {
	return r.inner.RecordLeave(ctx, guildID, userID, at)
}

type harness struct {
	coord    *Coordinator
	store    *storage.Store
	lister   *fakeLister
	events   chan MemberAttributed
	failures chan ReconciliationFailed
	registry *prometheus.Registry
}

func newHarness(t *testing.T, opts Options, wrap func(Repository) Repository) *harness {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	store.WithRetryPolicy(storage.NoRetry())

	var repo Repository = store
	if wrap != nil {
		repo = wrap(store)
	}

	h := &harness{
		store:    store,
		lister:   newFakeLister(),
		events:   make(chan MemberAttributed, 32),
		failures: make(chan ReconciliationFailed, 32),
		registry: prometheus.NewRegistry(),
	}
	opts.Metrics = NewMetrics(h.registry)
	h.coord = NewCoordinator(h.lister, repo, nil, zap.NewNop(), opts)
	h.coord.Subscribe(func(_ context.Context, e MemberAttributed) { h.events <- e })
	h.coord.OnFailure(func(_ context.Context, f ReconciliationFailed) { h.failures <- f })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.coord.Close(ctx))
		store.Close()
	})
	return h
}

func (h *harness) nextEvent(t *testing.T) MemberAttributed {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for MemberAttributed")
		return MemberAttributed{}
	}
}

func (h *harness) nextFailure(t *testing.T) ReconciliationFailed {
	t.Helper()
	select {
	case f := <-h.failures:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ReconciliationFailed")
		return ReconciliationFailed{}
	}
}

func (h *harness) waitIdle(t *testing.T, guildID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		g := h.coord.guilds[guildID]
		return g == nil || (!g.running && len(g.pending) == 0)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestJoinViaExistingInvite(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice", CreatedAt: created})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))
	require.True(t, h.coord.Primed("g1"))

	h.lister.set("g1", Invite{Code: "A", Uses: 1, InviterID: "alice", CreatedAt: created})
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))

	event := h.nextEvent(t)
	assert.Equal(t, "x", event.MemberID)
	assert.Equal(t, "alice", event.InviterID)
	assert.Equal(t, "A", event.Code)
	assert.True(t, event.Known())
	assert.True(t, event.Persisted)

	counters, _, err := h.store.GetCounters(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Regular)

	attribution, ok, err := h.store.GetAttributionOf(ctx, "g1", "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", attribution.InviterID)
	assert.Equal(t, "A", attribution.Code)

	assert.Equal(t, 1, h.coord.Snapshots().Get("g1")["A"].Uses)
	assert.Equal(t, StateIdle, h.coord.State("g1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.coord.metrics.attributions.WithLabelValues("resolved", "delta")))
}

func TestJoinViaNewOneTimeInvite(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1")
	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	now := time.Now()
	h.coord.HandleInviteCreate("g1", "N", "nina", now.Add(-time.Minute))
	h.lister.set("g1", Invite{Code: "N", Uses: 1, InviterID: "nina", CreatedAt: now.Add(-time.Minute)})
	require.NoError(t, h.coord.HandleJoin("g1", "x", now))

	event := h.nextEvent(t)
	assert.Equal(t, "nina", event.InviterID)
	assert.Equal(t, MethodDelta, event.Method)
}

func TestFetchFailureKeepsSnapshotAndReportsUnknown(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 3, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	h.lister.fail("g1", ErrForbidden)
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))

	failure := h.nextFailure(t)
	assert.Equal(t, "g1", failure.GuildID)
	assert.ErrorIs(t, failure.Reason, ErrForbidden)

	event := h.nextEvent(t)
	assert.False(t, event.Known())
	assert.Empty(t, event.Code)

	assert.Equal(t, 3, h.coord.Snapshots().Get("g1")["A"].Uses)
	_, ok, err := h.store.GetAttributionOf(ctx, "g1", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchTimeoutIsBounded(t *testing.T) {
	h := newHarness(t, Options{FetchTimeout: 20 * time.Millisecond}, nil)

	h.lister.setFunc("g1", func(ctx context.Context) ([]Invite, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	err := h.coord.Refresh(context.Background(), "g1")

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "g1", fetchErr.GuildID)
	assert.False(t, h.coord.Primed("g1"))
}

func TestRefreshFailureLeavesOldSnapshot(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 2})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))
	h.lister.fail("g1", ErrNotFound)
	require.ErrorIs(t, h.coord.Refresh(ctx, "g1"), ErrNotFound)
	assert.Equal(t, 2, h.coord.Snapshots().Get("g1")["A"].Uses)
}

func TestDuplicateJoinEventCountsOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	joined := time.Now()

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))
	h.lister.set("g1", Invite{Code: "A", Uses: 1, InviterID: "alice"})

	require.NoError(t, h.coord.HandleJoin("g1", "x", joined))
	require.NoError(t, h.coord.HandleJoin("g1", "x", joined))

	event := h.nextEvent(t)
	assert.Equal(t, "alice", event.InviterID)
	h.waitIdle(t, "g1")
	assert.Empty(t, h.events)

	total, err := h.store.GetEffectiveTotal(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestJoinsProcessedInArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	var mu sync.Mutex
	uses := 0
	h.lister.setFunc("g1", func(context.Context) ([]Invite, error) {
		mu.Lock()
		defer mu.Unlock()
		uses++
		return []Invite{{Code: "A", Uses: uses, InviterID: "alice"}}, nil
	})

	members := []string{"m1", "m2", "m3", "m4"}
	for _, id := range members {
		require.NoError(t, h.coord.HandleJoin("g1", id, time.Now()))
	}
	var seen []string
	for range members {
		seen = append(seen, h.nextEvent(t).MemberID)
	}
	assert.Equal(t, members, seen)
}

func TestLeaveCreditsInviterOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))
	h.lister.set("g1", Invite{Code: "A", Uses: 1, InviterID: "alice"})

	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))
	require.NoError(t, h.coord.HandleLeave("g1", "x"))
	require.NoError(t, h.coord.HandleLeave("g1", "stranger"))
	h.nextEvent(t)
	h.waitIdle(t, "g1")

	counters, _, err := h.store.GetCounters(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Regular)
	assert.Equal(t, 1, counters.Left)
	assert.Equal(t, 0, counters.Total())

	_, ok, err := h.store.GetCounters(ctx, "g1", "stranger")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuildFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, Options{PrimeWait: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	h.lister.set("good", Invite{Code: "G", Uses: 0, InviterID: "gary"})
	h.lister.fail("bad", ErrForbidden)
	failed := h.coord.RefreshAll(ctx, []string{"good", "bad"})
	assert.Equal(t, 1, failed)
	assert.True(t, h.coord.Primed("good"))
	assert.False(t, h.coord.Primed("bad"))

	h.lister.set("good", Invite{Code: "G", Uses: 1, InviterID: "gary"})
	require.NoError(t, h.coord.HandleJoin("bad", "b1", time.Now()))
	require.NoError(t, h.coord.HandleJoin("good", "g1", time.Now()))

	byGuild := map[string]MemberAttributed{}
	for i := 0; i < 2; i++ {
		event := h.nextEvent(t)
		byGuild[event.GuildID] = event
	}
	assert.Equal(t, "gary", byGuild["good"].InviterID)
	assert.False(t, byGuild["bad"].Known())
}

func TestStorageFailureDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t, Options{}, func(inner Repository) Repository {
		return &failingRepo{fails: 1, inner: inner}
	})
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	h.lister.set("g1", Invite{Code: "A", Uses: 1, InviterID: "alice"})
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))

	failure := h.nextFailure(t)
	assert.Equal(t, "x", failure.MemberID)
	first := h.nextEvent(t)
	assert.Equal(t, "alice", first.InviterID)
	assert.False(t, first.Persisted)

	h.lister.set("g1", Invite{Code: "A", Uses: 2, InviterID: "alice"})
	require.NoError(t, h.coord.HandleJoin("g1", "y", time.Now()))
	second := h.nextEvent(t)
	assert.True(t, second.Persisted)

	total, err := h.store.GetEffectiveTotal(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestJoinWaitsForFirstSnapshot(t *testing.T) {
	h := newHarness(t, Options{PrimeWait: 5 * time.Second}, nil)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	h.lister.setFunc("g1", func(context.Context) ([]Invite, error) {
		mu.Lock()
		defer mu.Unlock()
		uses := 0
		if calls > 0 {
			uses = 1
		}
		calls++
		return []Invite{{Code: "A", Uses: uses, InviterID: "alice"}}, nil
	})
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))

	// The queued join must not be reconciled before the snapshot exists.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.events)

	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	event := h.nextEvent(t)
	assert.Equal(t, "alice", event.InviterID)
}

func TestJoinProceedsWhenNeverPrimed(t *testing.T) {
	h := newHarness(t, Options{PrimeWait: 10 * time.Millisecond}, nil)

	h.lister.set("g1", Invite{Code: "A", Uses: 7, InviterID: "alice"})
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))

	event := h.nextEvent(t)
	assert.False(t, event.Known())
	assert.True(t, h.coord.Primed("g1"))
}

func TestInviteDeletePatchesSnapshot(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.coord.HandleInviteCreate("g1", "A", "alice", time.Now())
	assert.Contains(t, h.coord.Snapshots().Get("g1"), "A")
	h.coord.HandleInviteDelete("g1", "A")
	assert.NotContains(t, h.coord.Snapshots().Get("g1"), "A")
	h.coord.HandleGuildLeave("g1")
	assert.False(t, h.coord.Snapshots().Has("g1"))
}

func TestCloseRejectsNewEvents(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	require.NoError(t, h.coord.Close(context.Background()))
	assert.ErrorIs(t, h.coord.HandleJoin("g1", "x", time.Now()), ErrClosed)
	assert.ErrorIs(t, h.coord.HandleLeave("g1", "x"), ErrClosed)
}

func TestRejoinAfterMissedLeaveIsAttributed(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.store.RecordJoin(ctx, "g1", "x", "alice", "A", now.Add(-24*time.Hour)))

	h.lister.set("g1", Invite{Code: "B", Uses: 0, InviterID: "bob"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))
	h.lister.set("g1", Invite{Code: "B", Uses: 1, InviterID: "bob"})

	require.NoError(t, h.coord.HandleJoin("g1", "x", now))

	event := h.nextEvent(t)
	assert.Equal(t, "bob", event.InviterID)
	assert.True(t, event.Persisted)

	total, err := h.store.GetEffectiveTotal(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	alice, _, err := h.store.GetCounters(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.Left)
}

func TestInvitePatchesDuringFetchSurviveReplace(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	h.lister.set("g1", Invite{Code: "A", Uses: 0, InviterID: "alice"})
	require.NoError(t, h.coord.Refresh(ctx, "g1"))

	started := make(chan struct{})
	release := make(chan struct{})
	h.lister.setFunc("g1", func(context.Context) ([]Invite, error) {
		close(started)
		<-release
		return []Invite{{Code: "A", Uses: 1, InviterID: "alice"}}, nil
	})
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))
	<-started

	patched := make(chan struct{})
	go func() {
		defer close(patched)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.coord.HandleInviteCreate("g1", "N", "nina", time.Now())
		}()
		go func() {
			defer wg.Done()
			h.coord.HandleInviteDelete("g1", "A")
		}()
		wg.Wait()
	}()

	// Patches wait for the reconciliation holding the guild.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-patched:
		t.Fatal("invite patches applied while a listing was in flight")
	default:
	}

	close(release)
	event := h.nextEvent(t)
	assert.Equal(t, "alice", event.InviterID)
	<-patched

	snapshot := h.coord.Snapshots().Get("g1")
	assert.Contains(t, snapshot, "N")
	assert.Equal(t, "nina", snapshot["N"].InviterID)
	assert.NotContains(t, snapshot, "A")
}

func TestForbiddenGuildSkipsPrimeWait(t *testing.T) {
	h := newHarness(t, Options{PrimeWait: 5 * time.Second}, nil)

	h.lister.fail("g1", ErrForbidden)
	require.ErrorIs(t, h.coord.Refresh(context.Background(), "g1"), ErrForbidden)
	assert.False(t, h.coord.Primed("g1"))

	for _, id := range []string{"x", "y"} {
		require.NoError(t, h.coord.HandleJoin("g1", id, time.Now()))
		select {
		case event := <-h.events:
			assert.Equal(t, id, event.MemberID)
			assert.False(t, event.Known())
		case <-time.After(time.Second):
			t.Fatalf("join %s waited for a snapshot that cannot load", id)
		}
		h.nextFailure(t)
	}
}

func TestPrimeWaitAppliesOnce(t *testing.T) {
	h := newHarness(t, Options{PrimeWait: 2 * time.Second}, nil)

	h.lister.fail("g1", errors.New("gateway unavailable"))
	require.NoError(t, h.coord.HandleJoin("g1", "x", time.Now()))
	first := h.nextEvent(t)
	assert.Equal(t, "x", first.MemberID)
	h.nextFailure(t)

	require.NoError(t, h.coord.HandleJoin("g1", "y", time.Now()))
	select {
	case event := <-h.events:
		assert.Equal(t, "y", event.MemberID)
	case <-time.After(time.Second):
		t.Fatal("second join waited for the first snapshot again")
	}
}
