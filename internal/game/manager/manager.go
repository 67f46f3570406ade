package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"BingoRush/internal/game/arbiter"
	"BingoRush/internal/game/caller"
	"BingoRush/internal/matchmaker"
	"BingoRush/internal/session"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"
)

const (
	EventClaimBingo  = "claim_bingo"
	EventLeave       = "leave"
	EventClaimResult = "claim_result"
	EventLeaveResult = "leave_result"
	EventError       = "error"
)

type Options struct {
	TickInterval time.Duration
	Countdown    time.Duration
	LeaseTTL     time.Duration
	// BatchSize 每轮扫描每类最多处理的对局数
	BatchSize int
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 250 * time.Millisecond
	}
	if o.Countdown <= 0 {
		o.Countdown = 50 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// GameManager 驱动所有进行中的对局。抽号节奏全部来自库里的 next_draw_at，
// 进程重启后第一轮 Tick 即可接手
type GameManager struct {
	mu              sync.RWMutex
	playerToSession map[string]string   // player → sessionID
	sessionPlayers  map[string][]string // sessionID → players

	store   session.Store
	matcher *matchmaker.Service
	caller  *caller.Service
	arbiter *arbiter.Service
	lease   caller.Lease
	hub     websocket.HubInterface
	opts    Options
}

func NewGameManager(store session.Store, matcher *matchmaker.Service, call *caller.Service,
	arb *arbiter.Service, lease caller.Lease, hub websocket.HubInterface, opts Options) *GameManager {
	if lease == nil {
		lease = caller.NewMemoryLease(opts.Now)
	}
	return &GameManager{
		playerToSession: make(map[string]string),
		sessionPlayers:  make(map[string][]string),
		store:           store,
		matcher:         matcher,
		caller:          call,
		arbiter:         arb,
		lease:           lease,
		hub:             hub,
		opts:            opts.withDefaults(),
	}
}

// Track 对局开始后建立玩家 → 对局映射，供 websocket 消息路由
func (m *GameManager) Track(sess session.Session, players []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionPlayers[sess.ID] = players
	for _, p := range players {
		m.playerToSession[p] = sess.ID
	}
}

// Forget 对局结束后清理映射
func (m *GameManager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.sessionPlayers[sessionID] {
		if m.playerToSession[p] == sessionID {
			delete(m.playerToSession, p)
		}
	}
	delete(m.sessionPlayers, sessionID)
}

func (m *GameManager) SessionOf(player string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.playerToSession[player]
	return id, ok
}

func (m *GameManager) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.TickInterval)
	defer t.Stop()
	utils.Log.Info("game loop started", "tick", m.opts.TickInterval)

	for {
		select {
		case <-ctx.Done():
			utils.Log.Info("game loop stopped")
			return
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Tick 一轮扫描：推进到点的倒计时，为到期的 active 对局抽号。
// 单个对局失败或 panic 只记录日志，不影响其他对局
func (m *GameManager) Tick(ctx context.Context) {
	now := m.opts.Now()

	expired, err := m.store.ExpiredCountdowns(ctx, now.Add(-m.opts.Countdown), m.opts.BatchSize)
	if err != nil {
		utils.Log.Warn("scan expired countdowns", "err", err)
	}
	for _, id := range expired {
		m.guard("advance", id, func() error {
			_, err := m.matcher.Advance(ctx, id)
			return err
		})
	}

	due, err := m.store.DueDraws(ctx, now, m.opts.BatchSize)
	if err != nil {
		utils.Log.Warn("scan due draws", "err", err)
	}
	for _, id := range due {
		m.guard("draw", id, func() error { return m.drawDue(ctx, id) })
	}
}

func (m *GameManager) drawDue(ctx context.Context, id string) error {
	token, ok, err := m.lease.Acquire(ctx, id, m.opts.LeaseTTL)
	switch {
	case err != nil:
		// 租约服务不可用时仍由行锁兜底
		utils.Log.Warn("draw lease unavailable, drawing under row lock only", "session", id, "err", err)
	case !ok:
		return nil
	default:
		defer func() {
			if err := m.lease.Release(context.WithoutCancel(ctx), id, token); err != nil {
				utils.Log.Warn("release draw lease", "session", id, "err", err)
			}
		}()
	}
	_, _, err = m.caller.DrawDue(ctx, id)
	return err
}

func (m *GameManager) guard(op, sessionID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Log.Error("session step panicked", "op", op, "session", sessionID, "panic", r)
		}
	}()
	err := fn()
	switch session.CodeOf(err) {
	case session.CodeInvalidState, session.CodeConcurrencyLost, session.CodeNotFound:
		// 其他 worker 已经推进过
		if err != nil {
			utils.Log.Debug("session step skipped", "op", op, "session", sessionID, "err", err)
		}
	default:
		if err != nil {
			utils.Log.Error("session step failed", "op", op, "session", sessionID, "err", err)
		}
	}
}

type leaveMessage struct {
	SessionID string `json:"sessionId"`
}

// HandlePlayerMessage 统一入口（来自 Hub.Incoming），发送者身份以连接为准
func (m *GameManager) HandlePlayerMessage(msg websocket.IncomingMessage) {
	ctx := context.Background()

	switch msg.Event {

	case EventClaimBingo:
		var claim arbiter.Claim
		if err := decode(msg.Data, &claim); err != nil {
			m.replyError(msg.From, msg.Event, err)
			return
		}
		claim.PlayerID = msg.From
		if claim.SessionID == "" {
			claim.SessionID, _ = m.SessionOf(msg.From)
		}
		if claim.SessionID == "" {
			m.replyError(msg.From, msg.Event, fmt.Errorf("player %s is not in a running session", msg.From))
			return
		}
		res, err := m.arbiter.DeclareWin(ctx, claim)
		if err != nil && session.CodeOf(err) != session.CodeConcurrencyLost {
			m.replyError(msg.From, msg.Event, err)
			return
		}
		m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{Event: EventClaimResult, Data: res})

	case EventLeave:
		var lm leaveMessage
		if err := decode(msg.Data, &lm); err != nil {
			m.replyError(msg.From, msg.Event, err)
			return
		}
		if lm.SessionID == "" {
			lm.SessionID, _ = m.SessionOf(msg.From)
		}
		res, err := m.matcher.Leave(ctx, lm.SessionID, msg.From)
		if err != nil {
			m.replyError(msg.From, msg.Event, err)
			return
		}
		m.mu.Lock()
		if m.playerToSession[msg.From] == lm.SessionID {
			delete(m.playerToSession, msg.From)
		}
		m.mu.Unlock()
		m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{Event: EventLeaveResult, Data: res})

	default:
		utils.Log.Debug("ignoring message", "from", msg.From, "event", msg.Event)
	}
}

func (m *GameManager) replyError(player, event string, err error) {
	m.hub.SendToPlayer(player, websocket.OutgoingMessage{
		Event: EventError,
		Data: map[string]any{
			"event": event,
			"error": err.Error(),
			"code":  session.CodeOf(err),
		},
	})
}

// decode 入站 Data 已被解成 map，转回 JSON 再绑定到具体结构
func decode(data any, v any) error {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
