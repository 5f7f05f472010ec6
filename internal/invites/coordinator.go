package invites

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"inviteward/internal/storage"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lister fetches the current invites of a guild from the platform.
type Lister interface {
	ListInvites(ctx context.Context, guildID string) ([]Invite, error)
}

// Repository is the durable side of attribution.
type Repository interface {
	RecordJoin(ctx context.Context, guildID, invitedID, inviterID, code string, at time.Time) error
	RecordLeave(ctx context.Context, guildID, userID string, at time.Time) (storage.Attribution, bool, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateResolving
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateResolving:
		return "resolving"
	case StatePersisting:
		return "persisting"
	default:
		return "idle"
	}
}

// MemberAttributed is emitted once for every processed join. InviterID and
// Code are empty when the inviter is unknown.
type MemberAttributed struct {
	GuildID   string
	MemberID  string
	InviterID string
	Code      string
	JoinedAt  time.Time
	Outcome   Outcome
	Method    Method
	Persisted bool
}

func (e MemberAttributed) Known() bool {
	return e.InviterID != ""
}

type ReconciliationFailed struct {
	GuildID  string
	MemberID string
	Reason   error
}

type Options struct {
	FetchTimeout    time.Duration
	RecentWindow    time.Duration
	PrimeWait       time.Duration
	DuplicateWindow time.Duration
	RefreshWorkers  int
	Clock           Clock
	Metrics         *Metrics
}

func DefaultOptions() Options {
	return Options{
		FetchTimeout:    10 * time.Second,
		RecentWindow:    5 * time.Minute,
		PrimeWait:       30 * time.Second,
		DuplicateWindow: time.Minute,
		RefreshWorkers:  4,
	}
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
)

type memberEvent struct {
	kind     eventKind
	memberID string
	at       time.Time
}

type guildState struct {
	// mu grants exclusive access to the guild's snapshot and repository rows.
	mu     sync.Mutex
	state  atomic.Int32
	primed chan struct{}
	once   sync.Once
	// gaveUp is set once joins stop waiting for the first snapshot.
	gaveUp atomic.Bool

	// guarded by Coordinator.mu
	pending []memberEvent
	running bool
	recent  map[string]time.Time
}

func (g *guildState) markPrimed() {
	g.once.Do(func() { close(g.primed) })
}

func (g *guildState) isPrimed() bool {
	select {
	case <-g.primed:
		return true
	default:
		return false
	}
}

// Coordinator serializes attribution work per guild. Each guild with
// pending events gets one worker goroutine; guilds run independently.
type Coordinator struct {
	lister    Lister
	repo      Repository
	snapshots *SnapshotStore
	logger    *zap.Logger
	opts      Options
	clock     Clock
	metrics   *Metrics

	mu      sync.Mutex
	guilds  map[string]*guildState
	closed  bool
	workers conc.WaitGroup

	handlersMu sync.RWMutex
	onAttrib   []func(context.Context, MemberAttributed)
	onFailure  []func(context.Context, ReconciliationFailed)
}

func NewCoordinator(lister Lister, repo Repository, snapshots *SnapshotStore, logger *zap.Logger, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaults.FetchTimeout
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = defaults.RecentWindow
	}
	if opts.PrimeWait < 0 {
		opts.PrimeWait = 0
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = defaults.DuplicateWindow
	}
	if opts.RefreshWorkers <= 0 {
		opts.RefreshWorkers = defaults.RefreshWorkers
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if snapshots == nil {
		snapshots = NewSnapshotStore()
	}
	return &Coordinator{
		lister:    lister,
		repo:      repo,
		snapshots: snapshots,
		logger:    logger,
		opts:      opts,
		clock:     clock,
		metrics:   metrics,
		guilds:    make(map[string]*guildState),
	}
}

func (c *Coordinator) Snapshots() *SnapshotStore {
	return c.snapshots
}

// Subscribe registers a handler for MemberAttributed events. Handlers run on
// the guild's worker, in join order.
func (c *Coordinator) Subscribe(fn func(context.Context, MemberAttributed)) {
	c.handlersMu.Lock()
	c.onAttrib = append(c.onAttrib, fn)
	c.handlersMu.Unlock()
}

func (c *Coordinator) OnFailure(fn func(context.Context, ReconciliationFailed)) {
	c.handlersMu.Lock()
	c.onFailure = append(c.onFailure, fn)
	c.handlersMu.Unlock()
}

func (c *Coordinator) State(guildID string) State {
	c.mu.Lock()
	g := c.guilds[guildID]
	c.mu.Unlock()
	if g == nil {
		return StateIdle
	}
	return State(g.state.Load())
}

func (c *Coordinator) Primed(guildID string) bool {
	c.mu.Lock()
	g := c.guilds[guildID]
	c.mu.Unlock()
	return g != nil && g.isPrimed()
}

func (c *Coordinator) HandleJoin(guildID, memberID string, joinedAt time.Time) error {
	if joinedAt.IsZero() {
		joinedAt = c.clock.Now()
	}
	return c.enqueue(guildID, memberEvent{kind: eventJoin, memberID: memberID, at: joinedAt})
}

func (c *Coordinator) HandleLeave(guildID, memberID string) error {
	return c.enqueue(guildID, memberEvent{kind: eventLeave, memberID: memberID, at: c.clock.Now()})
}

func (c *Coordinator) HandleInviteCreate(guildID, code, inviterID string, createdAt time.Time) {
	g := c.guild(guildID)
	g.mu.Lock()
	defer g.mu.Unlock()
	c.snapshots.PatchCreate(guildID, code, inviterID, createdAt)
}

func (c *Coordinator) HandleInviteDelete(guildID, code string) {
	g := c.guild(guildID)
	g.mu.Lock()
	defer g.mu.Unlock()
	c.snapshots.PatchDelete(guildID, code)
}

func (c *Coordinator) HandleGuildLeave(guildID string) {
	g := c.guild(guildID)
	g.mu.Lock()
	defer g.mu.Unlock()
	c.snapshots.Forget(guildID)
}

// Refresh replaces the guild's snapshot with a fresh listing. On failure the
// previous snapshot is kept.
func (c *Coordinator) Refresh(ctx context.Context, guildID string) error {
	g := c.guild(guildID)
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := c.fetch(ctx, g, guildID)
	g.state.Store(int32(StateIdle))
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			g.gaveUp.Store(true)
		}
		return err
	}
	c.snapshots.Replace(guildID, current)
	g.markPrimed()
	c.logger.Debug("invite snapshot refreshed", zap.String("guild_id", guildID), zap.Int("invites", len(current)))
	return nil
}

// RefreshAll primes every guild concurrently. A failing guild does not stop
// the others; the number of failed guilds is returned.
func (c *Coordinator) RefreshAll(ctx context.Context, guildIDs []string) int {
	var group errgroup.Group
	group.SetLimit(c.opts.RefreshWorkers)

	var failed atomic.Int32
	for _, guildID := range guildIDs {
		group.Go(func() error {
			if err := c.Refresh(ctx, guildID); err != nil {
				failed.Add(1)
				c.logger.Warn("invite snapshot refresh failed", zap.String("guild_id", guildID), zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
	c.logger.Info("invite snapshots loaded", zap.Int("guilds", len(guildIDs)), zap.Int32("failed", failed.Load()))
	return int(failed.Load())
}

// Close stops accepting events and waits for queued work until ctx expires.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) guild(guildID string) *guildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guildLocked(guildID)
}

func (c *Coordinator) guildLocked(guildID string) *guildState {
	g := c.guilds[guildID]
	if g == nil {
		g = &guildState{primed: make(chan struct{}), recent: make(map[string]time.Time)}
		c.guilds[guildID] = g
	}
	return g
}

func (c *Coordinator) enqueue(guildID string, ev memberEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	g := c.guildLocked(guildID)

	switch ev.kind {
	case eventJoin:
		if seen, ok := g.recent[ev.memberID]; ok && ev.at.Sub(seen) < c.opts.DuplicateWindow {
			c.logger.Debug("duplicate join event ignored", zap.String("guild_id", guildID), zap.String("user_id", ev.memberID))
			c.metrics.observeAttribution("duplicate", MethodNone)
			return nil
		}
		g.recent[ev.memberID] = ev.at
		for id, seen := range g.recent {
			if ev.at.Sub(seen) >= c.opts.DuplicateWindow {
				delete(g.recent, id)
			}
		}
	case eventLeave:
		delete(g.recent, ev.memberID)
	}

	g.pending = append(g.pending, ev)
	c.metrics.pending.Inc()
	if !g.running {
		g.running = true
		c.workers.Go(func() { c.run(guildID, g) })
	}
	return nil
}

// next pops the next unit of work: one leave, or every consecutive join at
// the head of the queue.
func (c *Coordinator) next(g *guildState) []memberEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(g.pending) == 0 {
		g.running = false
		return nil
	}
	n := 1
	if g.pending[0].kind == eventJoin {
		for n < len(g.pending) && g.pending[n].kind == eventJoin {
			n++
		}
	}
	batch := append([]memberEvent(nil), g.pending[:n]...)
	g.pending = g.pending[n:]
	c.metrics.pending.Sub(float64(n))
	return batch
}

func (c *Coordinator) run(guildID string, g *guildState) {
	ctx := context.Background()
	for {
		batch := c.next(g)
		if batch == nil {
			return
		}
		if batch[0].kind == eventLeave {
			c.processLeave(ctx, guildID, g, batch[0])
			continue
		}
		c.processJoins(ctx, guildID, g, batch)
	}
}

func (c *Coordinator) waitPrimed(guildID string, g *guildState) {
	if g.isPrimed() || c.opts.PrimeWait == 0 || g.gaveUp.Load() {
		return
	}
	timer := time.NewTimer(c.opts.PrimeWait)
	defer timer.Stop()
	select {
	case <-g.primed:
	case <-timer.C:
		g.gaveUp.Store(true)
		c.logger.Warn("invite snapshot not loaded, reconciling against empty snapshot", zap.String("guild_id", guildID))
	}
}

func (c *Coordinator) fetch(ctx context.Context, g *guildState, guildID string) (Snapshot, error) {
	g.state.Store(int32(StateFetching))
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	list, err := c.lister.ListInvites(fetchCtx, guildID)
	c.metrics.fetchDuration.Observe(time.Since(start).Seconds())
	if err == nil && fetchCtx.Err() != nil {
		err = fetchCtx.Err()
	}
	if err != nil {
		fetchErr := classifyFetchError(guildID, err)
		c.metrics.fetchFailures.WithLabelValues(fetchReason(fetchErr)).Inc()
		return nil, fetchErr
	}
	return SnapshotOf(list), nil
}

func (c *Coordinator) processJoins(ctx context.Context, guildID string, g *guildState, batch []memberEvent) {
	c.waitPrimed(guildID, g)

	runID := uuid.NewString()
	logger := c.logger.With(zap.String("guild_id", guildID), zap.String("run_id", runID))

	joins := make([]Join, len(batch))
	for i, ev := range batch {
		joins[i] = Join{MemberID: ev.memberID, JoinedAt: ev.at}
	}

	var attributed []MemberAttributed
	var failures []ReconciliationFailed

	g.mu.Lock()
	old := c.snapshots.Get(guildID)
	current, err := c.fetch(ctx, g, guildID)
	if err != nil {
		g.state.Store(int32(StateIdle))
		g.gaveUp.Store(true)
		g.mu.Unlock()
		logger.Warn("invite fetch failed, joins reported as unknown", zap.Int("joins", len(joins)), zap.Error(err))
		failures = append(failures, ReconciliationFailed{GuildID: guildID, Reason: err})
		for _, join := range joins {
			c.metrics.observeAttribution("fetch_failed", MethodNone)
			attributed = append(attributed, MemberAttributed{GuildID: guildID, MemberID: join.MemberID, JoinedAt: join.JoinedAt})
		}
		c.emit(ctx, attributed, failures)
		return
	}

	g.state.Store(int32(StateResolving))
	resolutions := ResolveBatch(old, current, joins, c.opts.RecentWindow)

	g.state.Store(int32(StatePersisting))
	for i, join := range joins {
		res := resolutions[i]
		event := MemberAttributed{
			GuildID:  guildID,
			MemberID: join.MemberID,
			JoinedAt: join.JoinedAt,
			Outcome:  res.Outcome,
			Method:   res.Method,
		}
		memberLog := logger.With(zap.String("user_id", join.MemberID))

		switch res.Outcome {
		case OutcomeResolved:
			event.InviterID = res.InviterID
			event.Code = res.Code
			err := c.repo.RecordJoin(ctx, guildID, join.MemberID, res.InviterID, res.Code, join.JoinedAt)
			switch {
			case errors.Is(err, storage.ErrDuplicateJoin):
				memberLog.Debug("duplicate join event ignored", zap.String("code", res.Code))
				c.metrics.observeAttribution("duplicate", res.Method)
				continue
			case err != nil:
				memberLog.Error("attribution not persisted", zap.String("inviter_id", res.InviterID), zap.String("code", res.Code), zap.Error(err))
				c.metrics.observeAttribution("storage_failed", res.Method)
				failures = append(failures, ReconciliationFailed{GuildID: guildID, MemberID: join.MemberID, Reason: err})
			default:
				event.Persisted = true
				memberLog.Info("member attributed", zap.String("inviter_id", res.InviterID), zap.String("code", res.Code), zap.String("method", string(res.Method)))
				c.metrics.observeAttribution(res.Outcome.String(), res.Method)
			}
		case OutcomeAmbiguous:
			memberLog.Warn("ambiguous attribution", zap.Strings("candidates", res.Candidates), zap.Error(ErrAmbiguous))
			c.metrics.observeAttribution(res.Outcome.String(), MethodNone)
		default:
			memberLog.Info("inviter unknown", zap.Strings("candidates", res.Candidates))
			c.metrics.observeAttribution(res.Outcome.String(), MethodNone)
		}
		attributed = append(attributed, event)
	}

	c.snapshots.Replace(guildID, current)
	g.markPrimed()
	g.state.Store(int32(StateIdle))
	g.mu.Unlock()

	c.emit(ctx, attributed, failures)
}

func (c *Coordinator) processLeave(ctx context.Context, guildID string, g *guildState, ev memberEvent) {
	g.mu.Lock()
	record, found, err := c.repo.RecordLeave(ctx, guildID, ev.memberID, ev.at)
	g.mu.Unlock()

	logger := c.logger.With(zap.String("guild_id", guildID), zap.String("user_id", ev.memberID))
	switch {
	case err != nil:
		logger.Error("leave not recorded", zap.Error(err))
		c.metrics.leaves.WithLabelValues("failed").Inc()
		c.emit(ctx, nil, []ReconciliationFailed{{GuildID: guildID, MemberID: ev.memberID, Reason: err}})
	case !found:
		logger.Debug("leave without attribution")
		c.metrics.leaves.WithLabelValues("untracked").Inc()
	default:
		logger.Info("invited member left", zap.String("inviter_id", record.InviterID))
		c.metrics.leaves.WithLabelValues("credited").Inc()
	}
}

func (c *Coordinator) emit(ctx context.Context, attributed []MemberAttributed, failures []ReconciliationFailed) {
	c.handlersMu.RLock()
	onAttrib := c.onAttrib
	onFailure := c.onFailure
	c.handlersMu.RUnlock()

	for _, failure := range failures {
		for _, fn := range onFailure {
			fn(ctx, failure)
		}
	}
	for _, event := range attributed {
		for _, fn := range onAttrib {
			fn(ctx, event)
		}
	}
}
