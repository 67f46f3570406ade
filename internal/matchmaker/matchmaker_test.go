package matchmaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"BingoRush/internal/bingo"
	"BingoRush/internal/session"
	ws "BingoRush/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockHub 记录每个玩家收到的事件
type MockHub struct {
	mu   sync.Mutex
	msgs map[string][]ws.OutgoingMessage
}

func NewMockHub() *MockHub {
	return &MockHub{msgs: make(map[string][]ws.OutgoingMessage)}
}

func (m *MockHub) BroadcastToPlayers(ids []string, msg ws.OutgoingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.msgs[id] = append(m.msgs[id], msg)
	}
}

func (m *MockHub) Events(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs[id] {
		out = append(out, msg.Event)
	}
	return out
}

func (m *MockHub) Count(id, event string) int {
	n := 0
	for _, e := range m.Events(id) {
		if e == event {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}
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
	store session.Store
	svc   *Service
	hub   *MockHub
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	require.NoError(t, store.SeedCards(context.Background(), bingo.GeneratePool(40, 7)))
	clock := newFakeClock()
	hub := NewMockHub()
	svc := NewService(store, Options{
		Capacity:     10,
		MinPlayers:   2,
		Countdown:    50 * time.Second,
		DrawInterval: 3 * time.Second,
		Now:          clock.Now,
	}, hub)
	return &fixture{store: store, svc: svc, hub: hub, clock: clock}
}

func (f *fixture) join(t *testing.T, player string, card int) Summary {
	t.Helper()
	sum, err := f.svc.Join(context.Background(), JoinRequest{PlayerID: player, CardID: card, PoolResourceID: card})
	require.NoError(t, err)
	return sum
}

func (f *fixture) entries(t *testing.T, sessionID string) []session.Entry {
	t.Helper()
	var out []session.Entry
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx session.Tx) error {
		var err error
		out, err = tx.Entries(ctx, sessionID)
		return err
	}))
	return out
}

func (f *fixture) resource(t *testing.T, id int) session.Resource {
	t.Helper()
	var r session.Resource
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx session.Tx) error {
		var err error
		r, err = tx.Resource(ctx, id)
		return err
	}))
	return r
}

func TestJoin_SecondPlayerStartsCountdown(t *testing.T) {
	f := newFixture(t)

	s1 := f.join(t, "alice", 1)
	assert.Equal(t, session.StatusWaiting, s1.Status)
	assert.Equal(t, 1, s1.PlayerCount)
	assert.Equal(t, 0, s1.CountdownRemaining)
	assert.Len(t, s1.Code, 6)
	assert.Equal(t, "alice", s1.Host)

	f.clock.Advance(2 * time.Second)
	s2 := f.join(t, "bob", 2)
	assert.Equal(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, session.StatusCountdown, s2.Status)
	assert.Equal(t, 2, s2.PlayerCount)
	assert.Equal(t, 50, s2.CountdownRemaining)

	assert.Equal(t, 1, f.hub.Count("alice", EventCountdownStarted))
	assert.Equal(t, 1, f.hub.Count("bob", EventCountdownStarted))

	for _, e := range f.entries(t, s1.SessionID) {
		assert.Equal(t, session.EntryReady, e.Status)
	}
	assert.Equal(t, "alice", f.resource(t, 1).HolderID)
}

func TestJoin_CountdownElapsesIntoActive(t *testing.T) {
	f := newFixture(t)
	var started []session.Session
	f.svc.OnSessionStarted = func(s session.Session, players []string) {
		assert.ElementsMatch(t, []string{"alice", "bob"}, players)
		started = append(started, s)
	}

	s1 := f.join(t, "alice", 1)
	f.join(t, "bob", 2)

	f.clock.Advance(20 * time.Second)
	view, err := f.svc.Status(context.Background(), s1.Code, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCountdown, view.Status)
	assert.Equal(t, 30, view.CountdownRemaining)

	f.clock.Advance(30 * time.Second)
	view, err = f.svc.Status(context.Background(), s1.Code, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, view.Status)
	assert.Equal(t, 0, view.CountdownRemaining)
	require.NotNil(t, view.Player)
	assert.Equal(t, session.EntryPlaying, view.Player.Status)
	assert.Len(t, view.Player.Card, 5)
	assert.Empty(t, view.DrawnNumbers)
	assert.Nil(t, view.LastDrawn)

	require.Len(t, started, 1)
	require.NotNil(t, started[0].NextDrawAt)
	assert.Equal(t, f.clock.Now().Add(3*time.Second), *started[0].NextDrawAt)
	assert.Equal(t, 1, f.hub.Count("bob", EventSessionStarted))

	// 再次读取不重复迁移
	_, err = f.svc.Advance(context.Background(), s1.SessionID)
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestJoin_CountdownElapsesWithOnePlayerCancels(t *testing.T) {
	f := newFixture(t)

	s1 := f.join(t, "alice", 1)
	f.join(t, "bob", 2)
	_, err := f.svc.Leave(context.Background(), s1.SessionID, "bob")
	require.NoError(t, err)

	f.clock.Advance(51 * time.Second)
	sess, err := f.svc.Advance(context.Background(), s1.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.False(t, f.resource(t, 1).Held())
	assert.False(t, f.resource(t, 2).Held())
	assert.Equal(t, 1, f.hub.Count("alice", EventSessionCancelled))

	// alice 可重新加入，进入新对局
	s2 := f.join(t, "alice", 1)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
}

func TestJoin_ElapsedCountdownIsAdvancedNotSplit(t *testing.T) {
	f := newFixture(t)
	var started []string
	f.svc.OnSessionStarted = func(s session.Session, players []string) {
		started = append(started, s.ID)
	}

	first := f.join(t, "alice", 1)
	f.join(t, "bob", 2)

	// 倒计时到点，但没有任何 tick/status 推进
	f.clock.Advance(50 * time.Second)
	carol := f.join(t, "carol", 3)
	dave := f.join(t, "dave", 4)
	erin := f.join(t, "erin", 5)

	assert.NotEqual(t, first.SessionID, carol.SessionID)
	assert.Equal(t, carol.SessionID, dave.SessionID)
	assert.Equal(t, carol.SessionID, erin.SessionID)
	assert.Equal(t, session.StatusCountdown, erin.Status)
	assert.Equal(t, 3, erin.PlayerCount)

	view, err := f.svc.Status(context.Background(), first.Code, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, view.Status)
	assert.Equal(t, []string{first.SessionID}, started)
	assert.Equal(t, 1, f.hub.Count("alice", EventSessionStarted))
}

func TestJoin_IdempotentRejoin(t *testing.T) {
	f := newFixture(t)

	s1 := f.join(t, "alice", 1)
	again, err := f.svc.Join(context.Background(), JoinRequest{PlayerID: "alice", CardID: 3, PoolResourceID: 3})
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, again.SessionID)
	assert.Equal(t, 1, again.PlayerCount)
	assert.Len(t, f.entries(t, s1.SessionID), 1)
	assert.False(t, f.resource(t, 3).Held())
}

func TestJoin_CapacityOverflowCreatesNewSession(t *testing.T) {
	f := newFixture(t)

	var first Summary
	for i := 1; i <= 10; i++ {
		first = f.join(t, fmt.Sprintf("p%d", i), i)
	}
	assert.Equal(t, 10, first.PlayerCount)

	s11 := f.join(t, "p11", 11)
	assert.NotEqual(t, first.SessionID, s11.SessionID)
	assert.Equal(t, session.StatusWaiting, s11.Status)
	assert.Equal(t, 1, s11.PlayerCount)
}

func TestJoin_PicksOldestOpenSession(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 10; i++ {
		f.join(t, fmt.Sprintf("p%d", i), i)
	}
	f.clock.Advance(time.Second)
	second := f.join(t, "p11", 11)

	// 第一局有人离开后，新玩家回到最早的对局
	var oldID string
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx session.Tx) error {
		e, _, err := tx.ActiveEntryForPlayer(ctx, "p1")
		oldID = e.SessionID
		return err
	}))
	_, err := f.svc.Leave(context.Background(), oldID, "p1")
	require.NoError(t, err)

	got := f.join(t, "p12", 12)
	assert.Equal(t, oldID, got.SessionID)
	assert.NotEqual(t, second.SessionID, got.SessionID)
}

func TestJoin_ConcurrentJoinsStartCountdownOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]Summary, 9)
	errs := make([]error, 9)
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Join(context.Background(), JoinRequest{
				PlayerID: fmt.Sprintf("p%d", i), CardID: i + 1, PoolResourceID: i + 1,
			})
		}(i)
	}
	wg.Wait()

	sessions := map[string]bool{}
	for i := range results {
		require.NoError(t, errs[i])
		sessions[results[i].SessionID] = true
	}
	assert.Len(t, sessions, 1, "all players share one session")

	// 倒计时只触发一次：每位最早的两名玩家只收到一次 countdown_started
	total := 0
	for i := 0; i < 9; i++ {
		total += f.hub.Count(fmt.Sprintf("p%d", i), EventCountdownStarted)
	}
	assert.Equal(t, 2, total)
}

func TestJoin_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, JoinRequest{PlayerID: "alice", CardID: 999, PoolResourceID: 999})
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = f.svc.Join(ctx, JoinRequest{PlayerID: "alice", CardID: 1, PoolResourceID: 2})
	assert.ErrorIs(t, err, session.ErrInvalidState)

	f.join(t, "alice", 1)
	_, err = f.svc.Join(ctx, JoinRequest{PlayerID: "bob", CardID: 1, PoolResourceID: 1})
	assert.ErrorIs(t, err, session.ErrInvalidState)
}

func TestJoin_DuringCountdownIsReady(t *testing.T) {
	f := newFixture(t)
	s := f.join(t, "alice", 1)
	f.join(t, "bob", 2)
	f.clock.Advance(10 * time.Second)

	s3 := f.join(t, "carol", 3)
	assert.Equal(t, s.SessionID, s3.SessionID)
	assert.Equal(t, 40, s3.CountdownRemaining)
	assert.Equal(t, 3, s3.PlayerCount)
	for _, e := range f.entries(t, s.SessionID) {
		assert.Equal(t, session.EntryReady, e.Status)
	}
	assert.Equal(t, 0, f.hub.Count("carol", EventCountdownStarted))
}

func TestLeave_LastPlayerCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.join(t, "alice", 1)
	res, err := f.svc.Leave(ctx, s.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, LeaveResult{RemainingPlayers: 0, SessionEnded: true}, res)
	assert.False(t, f.resource(t, 1).Held())

	view, err := f.svc.Status(ctx, s.Code, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, view.Status)

	// 重复离开幂等
	res, err = f.svc.Leave(ctx, s.SessionID, "alice")
	require.NoError(t, err)
	assert.True(t, res.SessionEnded)

	_, err = f.svc.Leave(ctx, s.SessionID, "mallory")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = f.svc.Leave(ctx, "missing", "alice")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLeave_HostHandsOffImplicitly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.join(t, "alice", 1)
	f.clock.Advance(time.Second)
	f.join(t, "bob", 2)
	f.clock.Advance(time.Second)
	f.join(t, "carol", 3)

	res, err := f.svc.Leave(ctx, s.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingPlayers)
	assert.False(t, res.SessionEnded)

	view, err := f.svc.Status(ctx, s.Code, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", view.Host)
	assert.Equal(t, session.StatusCountdown, view.Status)
}

func TestLeave_ActiveSessionAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var finished []string
	f.svc.OnFinished = func(id string) { finished = append(finished, id) }

	s := f.join(t, "alice", 1)
	f.join(t, "bob", 2)
	f.clock.Advance(50 * time.Second)
	_, err := f.svc.Advance(ctx, s.SessionID)
	require.NoError(t, err)

	_, err = f.svc.Leave(ctx, s.SessionID, "alice")
	require.NoError(t, err)
	assert.Empty(t, finished)
	res, err := f.svc.Leave(ctx, s.SessionID, "bob")
	require.NoError(t, err)
	assert.True(t, res.SessionEnded)
	assert.Equal(t, []string{s.SessionID}, finished)

	view, err := f.svc.Status(ctx, s.Code, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
	assert.Empty(t, view.Winner)
}

func TestReleasePoolResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ReleasePoolResource(ctx, 5)
	require.NoError(t, err)
	assert.False(t, res.Released)

	_, err = f.svc.ReleasePoolResource(ctx, 999)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// 等待中的持有者：视为离开
	s := f.join(t, "alice", 5)
	res, err = f.svc.ReleasePoolResource(ctx, 5)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.False(t, f.resource(t, 5).Held())
	assert.Equal(t, session.EntryLeft, f.entries(t, s.SessionID)[0].Status)

	// 对局中不可释放
	s = f.join(t, "bob", 6)
	f.join(t, "carol", 7)
	f.clock.Advance(50 * time.Second)
	_, err = f.svc.Advance(ctx, s.SessionID)
	require.NoError(t, err)
	_, err = f.svc.ReleasePoolResource(ctx, 6)
	assert.ErrorIs(t, err, session.ErrInvalidState)
	assert.True(t, f.resource(t, 6).Held())
}

func TestStatus_UnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Status(context.Background(), "NOPE42", "")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestHandler_JoinAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.svc)
	r := gin.New()
	r.POST("/sessions/join", h.Join)
	r.GET("/sessions/:code", h.Status)
	r.POST("/pool/:resourceId/release", h.Release)

	body, _ := json.Marshal(JoinRequest{PlayerID: "alice", CardID: 1, PoolResourceID: 1})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/join", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var sum Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, session.StatusWaiting, sum.Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+sum.Code+"?playerId=alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var view StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, sum.SessionID, view.SessionID)
	require.NotNil(t, view.Player)
	assert.Equal(t, 1, view.Player.CardID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/ZZZZZZ", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/join", bytes.NewReader([]byte(`{"cardId":1}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pool/abc/release", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_JWTPlayerOverridesBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.svc)
	r := gin.New()
	r.POST("/sessions/join", func(c *gin.Context) { c.Set("player", "token-user") }, h.Join)

	body := []byte(`{"playerId":"spoofed","cardId":4,"poolResourceId":4}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/join", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "token-user", f.resource(t, 4).HolderID)
}
