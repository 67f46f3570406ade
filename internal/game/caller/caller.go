package caller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BingoRush/internal/bingo"
	"BingoRush/internal/game/arbiter"
	"BingoRush/internal/metrics"
	"BingoRush/internal/session"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"
)

const (
	EventNumberDrawn     = "number_drawn"
	EventSessionFinished = "session_finished"
)

type Options struct {
	DrawInterval time.Duration
	// AutoClaim 每次抽号后自动为已成型的卡面发起裁决
	AutoClaim bool
	Seed      int64
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DrawInterval <= 0 {
		o.DrawInterval = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type DrawResult struct {
	Number    int             `json:"number,omitempty"`
	Letter    string          `json:"letter,omitempty"`
	Sequence  int             `json:"sequence,omitempty"`
	Exhausted bool            `json:"exhausted,omitempty"`
	Winner    *arbiter.Result `json:"winner,omitempty"`
}

// Service 抽号器。抽号状态全部落库（已抽号码 + next_draw_at），进程本身无状态，
// 任一进程都可以接手 active 对局
type Service struct {
	store  session.Store
	arb    *arbiter.Service
	picker *bingo.Picker
	opts   Options
	hub    websocket.Broadcaster
	// OnFinished 对局因胜利或号码耗尽结束后回调（提交之后）
	OnFinished func(sessionID string)
}

func NewService(store session.Store, arb *arbiter.Service, opts Options, hub websocket.Broadcaster) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:  store,
		arb:    arb,
		picker: bingo.NewPicker(opts.Seed),
		opts:   opts,
		hub:    hub,
	}
}

// DrawNext 手动抽号，不检查 next_draw_at；非 active 对局返回 InvalidState
func (s *Service) DrawNext(ctx context.Context, sessionID string) (DrawResult, error) {
	res, _, err := s.draw(ctx, sessionID, false)
	return res, err
}

// DrawDue 定时抽号：行锁内复核 active 且已到点，否则 acted=false 且无写入
func (s *Service) DrawDue(ctx context.Context, sessionID string) (res DrawResult, acted bool, err error) {
	return s.draw(ctx, sessionID, true)
}

func (s *Service) draw(ctx context.Context, sessionID string, due bool) (DrawResult, bool, error) {
	var (
		res   DrawResult
		acted bool
		batch *websocket.Batch
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		res, acted, batch = DrawResult{}, false, &websocket.Batch{}
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := s.opts.Now()
		if sess.Status != session.StatusActive {
			if due {
				return nil
			}
			return session.New(session.CodeInvalidState,
				fmt.Sprintf("session %s is %s, not active", sess.Code, sess.Status))
		}
		if due && (sess.NextDrawAt == nil || sess.NextDrawAt.After(now)) {
			return nil
		}

		draws, err := tx.Draws(ctx, sess.ID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		acted = true

		n, err := s.picker.Next(draws)
		if errors.Is(err, bingo.ErrExhausted) {
			res.Exhausted = true
			return s.exhaust(ctx, tx, sess, entries, now, batch)
		}
		if err != nil {
			return session.Wrap(session.CodeFatal, "drawn numbers of session "+sess.ID, err)
		}

		seq := len(draws) + 1
		if err := tx.AppendDraw(ctx, sess.ID, seq, n, now); err != nil {
			return err
		}
		next := now.Add(s.opts.DrawInterval)
		sess.NextDrawAt = &next
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		res = DrawResult{Number: n, Letter: bingo.Letter(n), Sequence: seq}
		batch.Add(session.PlayerIDs(session.ActiveEntries(entries)), EventNumberDrawn, map[string]any{
			"sessionId": sess.ID,
			"number":    n,
			"letter":    res.Letter,
			"sequence":  seq,
			"remaining": bingo.MaxNumber - seq,
		})

		if s.opts.AutoClaim && s.arb != nil {
			w, err := s.autoClaim(ctx, tx, sess, entries, append(draws, n), batch)
			if err != nil {
				return err
			}
			res.Winner = w
		}
		return nil
	})
	if err != nil {
		metrics.RecordDraw(string(session.CodeOf(err)))
		if session.CodeOf(err) == session.CodeFatal {
			utils.Log.Error("draw aborted", "session", sessionID, "err", err)
		}
		return DrawResult{}, false, err
	}
	if !acted {
		return res, false, nil
	}

	if s.hub != nil {
		batch.Send(s.hub)
	}
	switch {
	case res.Exhausted:
		metrics.RecordDraw("exhausted")
	default:
		metrics.RecordDraw("ok")
	}
	if res.Winner != nil {
		arbiter.RecordOutcome(*res.Winner, nil)
	}
	if res.Exhausted || res.Winner != nil {
		metrics.RecordTransition(string(session.StatusActive), string(session.StatusFinished))
		if s.OnFinished != nil {
			s.OnFinished(sessionID)
		}
	}
	return res, true, nil
}

// autoClaim 按加入顺序为已成型的在玩卡面发起裁决，首个接受即停止
func (s *Service) autoClaim(ctx context.Context, tx session.Tx, sess session.Session, entries []session.Entry, drawn []int, batch *websocket.Batch) (*arbiter.Result, error) {
	for _, e := range entries {
		if e.Status != session.EntryPlaying {
			continue
		}
		card, err := tx.Card(ctx, e.CardID)
		if err != nil {
			return nil, err
		}
		m, ok := bingo.Canonical(bingo.Evaluate(card, drawn))
		if !ok {
			continue
		}
		res, err := s.arb.Decide(ctx, tx, sess, arbiter.Claim{
			SessionID:      sess.ID,
			PlayerID:       e.PlayerID,
			ClaimedType:    m.Type,
			ClaimedPattern: m.Cells,
		}, batch)
		if session.CodeOf(err) == session.CodeConcurrencyLost {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if res.Accepted {
			return &res, nil
		}
	}
	return nil, nil
}

// exhaust 75 个号码全部抽完且无人胜出：无赢家结束
func (s *Service) exhaust(ctx context.Context, tx session.Tx, sess session.Session, entries []session.Entry, now time.Time, batch *websocket.Batch) error {
	if err := sess.Transition(session.StatusFinished, now); err != nil {
		return err
	}
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	active := session.ActiveEntries(entries)
	for _, e := range active {
		e.Status = session.EntryFinished
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
		if _, err := tx.ReleaseResource(ctx, e.ResourceID); err != nil {
			return err
		}
	}
	batch.Add(session.PlayerIDs(active), EventSessionFinished, map[string]any{
		"sessionId": sess.ID,
		"reason":    "exhausted",
	})
	utils.Log.Info("numbers exhausted, session finished without winner", "session", sess.ID)
	return nil
}
