package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"BingoRush/internal/metrics"
	"BingoRush/internal/session"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"

	"github.com/google/uuid"
)

const (
	EventPlayerJoined     = "player_joined"
	EventPlayerLeft       = "player_left"
	EventCountdownStarted = "countdown_started"
	EventSessionStarted   = "session_started"
	EventSessionCancelled = "session_cancelled"
	EventSessionFinished  = "session_finished"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type HubBroadcaster = websocket.Broadcaster

type Options struct {
	Capacity     int
	MinPlayers   int
	Countdown    time.Duration
	DrawInterval time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 10
	}
	if o.MinPlayers <= 0 {
		o.MinPlayers = 2
	}
	if o.Countdown <= 0 {
		o.Countdown = 50 * time.Second
	}
	if o.DrawInterval <= 0 {
		o.DrawInterval = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Service struct {
	store session.Store
	opts  Options
	hub   HubBroadcaster
	// OnSessionStarted 对局进入 active 后回调（提交之后），附带在座玩家
	OnSessionStarted func(sess session.Session, players []string)
	// OnFinished 对局中玩家全部离开、无赢家结束后回调（提交之后）
	OnFinished func(sessionID string)
}

func NewService(store session.Store, opts Options, hub HubBroadcaster) *Service {
	return &Service{store: store, opts: opts.withDefaults(), hub: hub}
}

func (s *Service) Options() Options { return s.opts }

type startedSession struct {
	sess    session.Session
	players []string
}

// outbox 事务内收集的通知与状态迁移，提交成功后才发送
type outbox struct {
	websocket.Batch
	started     []startedSession
	finished    []string
	transitions [][2]string
}

func (o *outbox) add(to []string, event string, data any) {
	o.Add(to, event, data)
}

func (o *outbox) transition(from, to string) {
	o.transitions = append(o.transitions, [2]string{from, to})
}

func (s *Service) flush(o *outbox) {
	for _, t := range o.transitions {
		metrics.RecordTransition(t[0], t[1])
	}
	if s.hub != nil {
		o.Send(s.hub)
	}
	if s.OnSessionStarted != nil {
		for _, st := range o.started {
			s.OnSessionStarted(st.sess, st.players)
		}
	}
	if s.OnFinished != nil {
		for _, id := range o.finished {
			s.OnFinished(id)
		}
	}
}

// Join 分配玩家到最早的可加入对局，没有则新建。
// 已在未结束对局中的玩家直接返回原对局（幂等）
func (s *Service) Join(ctx context.Context, req JoinRequest) (Summary, error) {
	var (
		sum Summary
		out *outbox
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		out = &outbox{}
		now := s.opts.Now()
		if err := tx.LockMatchmaking(ctx); err != nil {
			return err
		}

		// ❶ 幂等重入：无锁读到在座记录后先锁会话，再在锁内复核
		if e, ok, err := tx.ActiveEntryForPlayer(ctx, req.PlayerID); err != nil {
			return err
		} else if ok {
			sess, err := tx.LockSession(ctx, e.SessionID)
			if err != nil {
				return err
			}
			entries, err := tx.Entries(ctx, sess.ID)
			if err != nil {
				return err
			}
			if seat, seated := activeEntryOf(entries, req.PlayerID); seated {
				if !sess.Status.Terminal() {
					sum = s.summary(sess, entries, now)
					return nil
				}
				// 终态对局残留的在座记录，收尾后继续匹配
				seat.Status = session.EntryFinished
				if err := tx.UpdateEntry(ctx, seat); err != nil {
					return err
				}
				if _, err := tx.ReleaseResource(ctx, seat.ResourceID); err != nil {
					return err
				}
			}
		}

		card, err := tx.Card(ctx, req.CardID)
		if err != nil {
			return err
		}
		if card.ID != req.PoolResourceID {
			return session.New(session.CodeInvalidState,
				fmt.Sprintf("card %d is not issued from pool resource %d", req.CardID, req.PoolResourceID))
		}

		// ❷ 选最早的可加入对局，加锁后复核
		sess, entries, found, err := s.lockOpenSession(ctx, tx, now, out)
		if err != nil {
			return err
		}
		if !found {
			if sess, err = s.createSession(ctx, tx, now); err != nil {
				return err
			}
			entries = nil
		}

		// ❸ 占用 cartela + 插入排队记录
		if err := tx.HoldResource(ctx, req.PoolResourceID, req.PlayerID, sess.ID, now); err != nil {
			return err
		}
		entry := session.Entry{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			PlayerID:   req.PlayerID,
			CardID:     card.ID,
			ResourceID: req.PoolResourceID,
			Status:     session.EntryWaiting,
			JoinedAt:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		active := session.ActiveEntries(entries)

		switch {
		case sess.Status == session.StatusCountdown:
			// 倒计时中加入直接就绪
			if err := setEntries(ctx, tx, []session.Entry{entry}, session.EntryReady); err != nil {
				return err
			}
		case sess.Status == session.StatusWaiting && len(active) >= s.opts.MinPlayers:
			// ❹ 唯一的倒计时触发点：仅在 waiting 且人数达标时发生一次
			if err := sess.Transition(session.StatusCountdown, now); err != nil {
				return err
			}
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			if err := setEntries(ctx, tx, active, session.EntryReady); err != nil {
				return err
			}
			out.transition(string(session.StatusWaiting), string(session.StatusCountdown))
			out.add(session.PlayerIDs(active), EventCountdownStarted, map[string]any{
				"sessionId": sess.ID,
				"code":      sess.Code,
				"remaining": session.RemainingSeconds(s.opts.Countdown),
			})
		}

		entries, err = tx.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		sum = s.summary(sess, entries, now)
		out.add(session.PlayerIDs(session.ActiveEntries(entries)), EventPlayerJoined, map[string]any{
			"sessionId":   sess.ID,
			"playerId":    req.PlayerID,
			"playerCount": sum.PlayerCount,
		})
		return nil
	})
	if err != nil {
		metrics.RecordJoin(string(session.CodeOf(err)))
		return Summary{}, err
	}
	metrics.RecordJoin("ok")
	s.flush(out)
	return sum, nil
}

// lockOpenSession 调用方已持有匹配锁。倒计时已到点但尚未推进的对局就地推进后重新挑选，
// 否则它会一直排在最前，后来的玩家只能各自建局
func (s *Service) lockOpenSession(ctx context.Context, tx session.Tx, now time.Time, out *outbox) (session.Session, []session.Entry, bool, error) {
	for {
		candidate, found, err := tx.FindOpenSession(ctx, s.opts.Capacity)
		if err != nil || !found {
			return session.Session{}, nil, false, err
		}
		sess, err := tx.LockSession(ctx, candidate.ID)
		if err != nil {
			return session.Session{}, nil, false, err
		}
		if s.countdownElapsed(sess, now) {
			// 推进后状态变为 active/cancelled，不会再被 FindOpenSession 选中
			if _, err := s.advanceLocked(ctx, tx, sess, now, out); err != nil {
				return session.Session{}, nil, false, err
			}
			continue
		}
		entries, err := tx.Entries(ctx, sess.ID)
		if err != nil {
			return session.Session{}, nil, false, err
		}
		if !sess.Status.Open() || len(session.ActiveEntries(entries)) >= s.opts.Capacity {
			return session.Session{}, nil, false, nil
		}
		return sess, entries, true, nil
	}
}

func (s *Service) createSession(ctx context.Context, tx session.Tx, now time.Time) (session.Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		sess := session.Session{
			ID:        uuid.NewString(),
			Code:      newCode(),
			Status:    session.StatusWaiting,
			CreatedAt: now,
		}
		err := tx.CreateSession(ctx, sess)
		if errors.Is(err, session.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return session.Session{}, err
		}
		metrics.RecordSessionCreated()
		utils.Log.Info("session created", "session", sess.ID, "code", sess.Code)
		return sess, nil
	}
	return session.Session{}, session.New(session.CodeTransient, "could not allocate a session code")
}

func newCode() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

// Leave 标记离开并释放 cartela；无人在座时结束对局
func (s *Service) Leave(ctx context.Context, sessionID, playerID string) (LeaveResult, error) {
	var (
		res LeaveResult
		out *outbox
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		out = &outbox{}
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		idx := -1
		for i, e := range entries {
			if e.PlayerID != playerID {
				continue
			}
			idx = i
			if e.Status.Active() {
				break
			}
		}
		if idx < 0 {
			return session.New(session.CodeNotFound, fmt.Sprintf("player %s is not in session %s", playerID, sess.Code))
		}
		if !entries[idx].Status.Active() {
			res = LeaveResult{
				RemainingPlayers: len(session.ActiveEntries(entries)),
				SessionEnded:     sess.Status.Terminal(),
			}
			return nil
		}
		res, err = s.leaveLocked(ctx, tx, sess, entries, idx, out)
		return err
	})
	if err != nil {
		return LeaveResult{}, err
	}
	s.flush(out)
	return res, nil
}

func (s *Service) leaveLocked(ctx context.Context, tx session.Tx, sess session.Session, entries []session.Entry, idx int, out *outbox) (LeaveResult, error) {
	now := s.opts.Now()
	e := entries[idx]
	e.Status = session.EntryLeft
	e.LeftAt = &now
	if err := tx.UpdateEntry(ctx, e); err != nil {
		return LeaveResult{}, err
	}
	entries[idx] = e
	if _, err := tx.ReleaseResource(ctx, e.ResourceID); err != nil {
		return LeaveResult{}, err
	}

	active := session.ActiveEntries(entries)
	recipients := append(session.PlayerIDs(active), e.PlayerID)
	out.add(recipients, EventPlayerLeft, map[string]any{
		"sessionId":        sess.ID,
		"playerId":         e.PlayerID,
		"remainingPlayers": len(active),
		"host":             session.Host(entries),
	})

	if len(active) == 0 {
		from := sess.Status
		switch {
		case sess.Status.Open():
			if err := sess.Transition(session.StatusCancelled, now); err != nil {
				return LeaveResult{}, err
			}
			out.add([]string{e.PlayerID}, EventSessionCancelled, map[string]any{"sessionId": sess.ID, "reason": "empty"})
		case sess.Status == session.StatusActive:
			// 对局中全部离开：无赢家结束，后续不再抽号
			if err := sess.Transition(session.StatusFinished, now); err != nil {
				return LeaveResult{}, err
			}
			out.add([]string{e.PlayerID}, EventSessionFinished, map[string]any{"sessionId": sess.ID, "reason": "abandoned"})
			out.finished = append(out.finished, sess.ID)
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return LeaveResult{}, err
		}
		out.transition(string(from), string(sess.Status))
		utils.Log.Info("session ended, no players left", "session", sess.ID, "status", sess.Status)
	}

	return LeaveResult{RemainingPlayers: len(active), SessionEnded: sess.Status.Terminal()}, nil
}

// Status 按显示码读取对局；观察到倒计时归零时顺带推进状态
func (s *Service) Status(ctx context.Context, code, playerID string) (StatusView, error) {
	var (
		view StatusView
		out  *outbox
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		out = &outbox{}
		now := s.opts.Now()
		sess, err := tx.SessionByCode(ctx, code)
		if err != nil {
			return err
		}
		if s.countdownElapsed(sess, now) {
			if sess, err = tx.LockSession(ctx, sess.ID); err != nil {
				return err
			}
			if sess, err = s.advanceLocked(ctx, tx, sess, now, out); err != nil {
				return err
			}
		}
		draws, err := tx.Draws(ctx, sess.ID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		view = StatusView{
			Summary:      s.summary(sess, entries, now),
			DrawnNumbers: draws,
			Winner:       sess.WinnerID,
			WinPattern:   sess.WinPattern,
		}
		if view.DrawnNumbers == nil {
			view.DrawnNumbers = []int{}
		}
		if len(draws) > 0 {
			last := draws[len(draws)-1]
			view.LastDrawn = &last
		}
		if playerID != "" {
			view.Player, err = playerView(ctx, tx, entries, playerID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StatusView{}, err
	}
	s.flush(out)
	return view, nil
}

func playerView(ctx context.Context, tx session.Tx, entries []session.Entry, playerID string) (*PlayerView, error) {
	var found *session.Entry
	for i := range entries {
		if entries[i].PlayerID == playerID {
			found = &entries[i]
			if found.Status.Active() {
				break
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	pv := &PlayerView{Status: found.Status, CardID: found.CardID}
	card, err := tx.Card(ctx, found.CardID)
	if err != nil {
		return nil, err
	}
	pv.Card = card.Rows()
	return pv, nil
}

func (s *Service) countdownElapsed(sess session.Session, now time.Time) bool {
	return sess.Status == session.StatusCountdown &&
		session.CountdownRemaining(sess.CountdownStartedAt, s.opts.Countdown, now) == 0
}

// Advance 倒计时到点的状态推进：人数足够进入 active，否则取消。重复调用无副作用
func (s *Service) Advance(ctx context.Context, sessionID string) (session.Session, error) {
	var (
		sess session.Session
		out  *outbox
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		out = &outbox{}
		var err error
		if sess, err = tx.LockSession(ctx, sessionID); err != nil {
			return err
		}
		sess, err = s.advanceLocked(ctx, tx, sess, s.opts.Now(), out)
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	s.flush(out)
	return sess, nil
}

// advanceLocked 调用方已持有会话行锁
func (s *Service) advanceLocked(ctx context.Context, tx session.Tx, sess session.Session, now time.Time, out *outbox) (session.Session, error) {
	if !s.countdownElapsed(sess, now) {
		return sess, nil
	}
	entries, err := tx.Entries(ctx, sess.ID)
	if err != nil {
		return sess, err
	}
	active := session.ActiveEntries(entries)
	players := session.PlayerIDs(active)

	if len(active) >= s.opts.MinPlayers {
		if err := sess.Transition(session.StatusActive, now); err != nil {
			return sess, err
		}
		next := now.Add(s.opts.DrawInterval)
		sess.NextDrawAt = &next
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return sess, err
		}
		if err := setEntries(ctx, tx, active, session.EntryPlaying); err != nil {
			return sess, err
		}
		out.transition(string(session.StatusCountdown), string(session.StatusActive))
		utils.Log.Info("session started", "session", sess.ID, "players", len(active))
		out.add(players, EventSessionStarted, map[string]any{
			"sessionId": sess.ID,
			"code":      sess.Code,
			"players":   players,
		})
		out.started = append(out.started, startedSession{sess: sess, players: players})
		return sess, nil
	}

	if err := sess.Transition(session.StatusCancelled, now); err != nil {
		return sess, err
	}
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return sess, err
	}
	if err := setEntries(ctx, tx, active, session.EntryFinished); err != nil {
		return sess, err
	}
	for _, e := range active {
		if _, err := tx.ReleaseResource(ctx, e.ResourceID); err != nil {
			return sess, err
		}
	}
	out.transition(string(session.StatusCountdown), string(session.StatusCancelled))
	utils.Log.Info("session cancelled at countdown end", "session", sess.ID, "players", len(active))
	out.add(players, EventSessionCancelled, map[string]any{"sessionId": sess.ID, "reason": "not_enough_players"})
	return sess, nil
}

// ReleasePoolResource 释放 cartela，幂等。
// 等待中的持有者视为离开；对局中的持有者不允许释放
func (s *Service) ReleasePoolResource(ctx context.Context, resourceID int) (ReleaseResult, error) {
	var (
		res ReleaseResult
		out *outbox
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		out = &outbox{}
		r, sess, err := s.lockResourceSession(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if !r.Held() {
			return nil
		}
		if sess != nil {
			entries, err := tx.Entries(ctx, sess.ID)
			if err != nil {
				return err
			}
			for i, e := range entries {
				if e.PlayerID != r.HolderID || e.ResourceID != resourceID || !e.Status.Active() {
					continue
				}
				if sess.Status == session.StatusActive {
					return session.New(session.CodeInvalidState,
						fmt.Sprintf("pool resource %d is in play in session %s", resourceID, sess.Code))
				}
				if _, err := s.leaveLocked(ctx, tx, *sess, entries, i, out); err != nil {
					return err
				}
				res.Released = true
				return nil
			}
		}
		released, err := tx.ReleaseResource(ctx, resourceID)
		res.Released = released
		return err
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	s.flush(out)
	return res, nil
}

// lockResourceSession 锁住 cartela 所属会话后复核持有关系。
// 会话行已不存在时返回 nil 会话，按残留占用处理
func (s *Service) lockResourceSession(ctx context.Context, tx session.Tx, resourceID int) (session.Resource, *session.Session, error) {
	r, err := tx.Resource(ctx, resourceID)
	if err != nil {
		return session.Resource{}, nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		if !r.Held() || r.SessionID == "" {
			return r, nil, nil
		}
		sess, lockErr := tx.LockSession(ctx, r.SessionID)
		if lockErr != nil && !errors.Is(lockErr, session.ErrNotFound) {
			return r, nil, lockErr
		}
		cur, err := tx.Resource(ctx, resourceID)
		if err != nil {
			return r, nil, err
		}
		if cur.SessionID == r.SessionID {
			if lockErr != nil {
				return cur, nil, nil
			}
			return cur, &sess, nil
		}
		// 加锁前已被释放或转手，按新的持有关系重来
		r = cur
	}
	return r, nil, session.New(session.CodeTransient, fmt.Sprintf("pool resource %d keeps changing hands", resourceID))
}

func activeEntryOf(entries []session.Entry, playerID string) (session.Entry, bool) {
	for _, e := range entries {
		if e.PlayerID == playerID && e.Status.Active() {
			return e, true
		}
	}
	return session.Entry{}, false
}

func (s *Service) summary(sess session.Session, entries []session.Entry, now time.Time) Summary {
	sum := Summary{
		SessionID:   sess.ID,
		Code:        sess.Code,
		Status:      sess.Status,
		PlayerCount: len(session.ActiveEntries(entries)),
		Host:        session.Host(entries),
	}
	if sess.Status == session.StatusCountdown {
		sum.CountdownRemaining = session.RemainingSeconds(
			session.CountdownRemaining(sess.CountdownStartedAt, s.opts.Countdown, now))
	}
	return sum
}

func setEntries(ctx context.Context, tx session.Tx, entries []session.Entry, status session.EntryStatus) error {
	for _, e := range entries {
		e.Status = status
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
