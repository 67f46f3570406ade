package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"BingoRush/internal/bingo"
	"BingoRush/internal/matchmaker"
	"BingoRush/internal/session"
	ws "BingoRush/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHub struct {
	mu     sync.Mutex
	events map[string][]string
}

func (h *mockHub) BroadcastToPlayers(ids []string, msg ws.OutgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.events[id] = append(h.events[id], msg.Event)
	}
}

func (h *mockHub) Events(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events[id]...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   session.Store
	clock   *fakeClock
	hub     *mockHub
	matcher *matchmaker.Service
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	require.NoError(t, store.SeedCards(context.Background(), bingo.GeneratePool(10, 21)))
	clock := &fakeClock{now: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)}
	hub := &mockHub{events: make(map[string][]string)}
	return &fixture{
		store:   store,
		clock:   clock,
		hub:     hub,
		matcher: matchmaker.NewService(store, matchmaker.Options{Now: clock.Now}, nil),
		sweeper: New(store, Options{WaitingTimeout: 2 * time.Minute, Now: clock.Now}, hub),
	}
}

func (f *fixture) join(t *testing.T, player string, card int) matchmaker.Summary {
	t.Helper()
	sum, err := f.matcher.Join(context.Background(), matchmaker.JoinRequest{PlayerID: player, CardID: card, PoolResourceID: card})
	require.NoError(t, err)
	return sum
}

func (f *fixture) snapshot(t *testing.T, id string) (session.Session, []session.Entry, session.Resource) {
	t.Helper()
	var (
		sess    session.Session
		entries []session.Entry
		res     session.Resource
	)
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx session.Tx) error {
		var err error
		if sess, err = tx.LockSession(ctx, id); err != nil {
			return err
		}
		if entries, err = tx.Entries(ctx, id); err != nil {
			return err
		}
		res, err = tx.Resource(ctx, entries[0].ResourceID)
		return err
	}))
	return sess, entries, res
}

func TestSweep_CancelsStaleWaiting(t *testing.T) {
	f := newFixture(t)
	sum := f.join(t, "alice", 1)

	f.clock.Advance(2*time.Minute - time.Second)
	n, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	n, err = f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, entries, res := f.snapshot(t, sum.SessionID)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.NotNil(t, sess.FinishedAt)
	require.Len(t, entries, 1)
	assert.Equal(t, session.EntryDisconnected, entries[0].Status)
	assert.NotNil(t, entries[0].LeftAt)
	assert.False(t, res.Held())
	assert.Equal(t, []string{EventSessionCancelled}, f.hub.Events("alice"))

	// 幂等：再扫一次不再处理
	n, err = f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// cartela 已回收，可以重新加入
	again := f.join(t, "alice", 1)
	assert.NotEqual(t, sum.SessionID, again.SessionID)
}

func TestSweep_LeavesCountdownAndActiveAlone(t *testing.T) {
	f := newFixture(t)
	f.join(t, "alice", 1)
	sum := f.join(t, "bob", 2)
	require.Equal(t, session.StatusCountdown, sum.Status)

	f.clock.Advance(10 * time.Minute)
	n, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	sess, _, _ := f.snapshot(t, sum.SessionID)
	assert.Equal(t, session.StatusCountdown, sess.Status)
}

type flakyStore struct {
	session.Store
	bad string
}

func (f flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		return fn(ctx, flakyTx{Tx: tx, bad: f.bad})
	})
}

type flakyTx struct {
	session.Tx
	bad string
}

func (t flakyTx) LockSession(ctx context.Context, id string) (session.Session, error) {
	if id == t.bad {
		panic("corrupt session row")
	}
	return t.Tx.LockSession(ctx, id)
}

func TestSweep_ContinuesPastBrokenSession(t *testing.T) {
	f := newFixture(t)
	first := f.join(t, "alice", 1)
	f.clock.Advance(time.Second)

	// 第二个空的等待对局
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx session.Tx) error {
		return tx.CreateSession(ctx, session.Session{
			ID:        "00000000-0000-0000-0000-000000000002",
			Code:      "STALE2",
			Status:    session.StatusWaiting,
			CreatedAt: f.clock.Now(),
		})
	}))

	f.clock.Advance(5 * time.Minute)
	sw := New(flakyStore{Store: f.store, bad: first.SessionID}, Options{Now: f.clock.Now}, f.hub)
	var (
		n   int
		err error
	)
	assert.NotPanics(t, func() { n, err = sw.Sweep(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, _, _ := f.snapshot(t, first.SessionID)
	assert.Equal(t, session.StatusWaiting, sess.Status)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	sum := f.join(t, "alice", 1)
	f.clock.Advance(3 * time.Minute)

	sw := New(f.store, Options{Interval: time.Second, Now: f.clock.Now}, f.hub)
	require.NoError(t, sw.Start())
	defer func() { <-sw.Stop().Done() }()

	require.Eventually(t, func() bool {
		sess, _, _ := f.snapshot(t, sum.SessionID)
		return sess.Status == session.StatusCancelled
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStop_WithoutStart(t *testing.T) {
	sw := New(session.NewMemoryStore(), Options{}, nil)
	select {
	case <-sw.Stop().Done():
	default:
		t.Fatal("stop without start should be done immediately")
	}
}
