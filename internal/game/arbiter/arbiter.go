package arbiter

import (
	"context"
	"fmt"
	"time"

	"BingoRush/internal/bingo"
	"BingoRush/internal/metrics"
	"BingoRush/internal/session"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventWinner          = "winner"
	EventSessionFinished = "session_finished"

	CreditKindPrize = "prize"
)

// Claim 一次胜利声明。DrawnNumbers 为客户端快照，仅用于审计日志
type Claim struct {
	SessionID      string            `json:"sessionId"`
	PlayerID       string            `json:"playerId" binding:"required"`
	ClaimedType    bingo.PatternType `json:"claimedType"`
	ClaimedPattern []int             `json:"claimedPattern"`
	DrawnNumbers   []int             `json:"drawnNumbers"`
}

type Result struct {
	Accepted    bool            `json:"accepted"`
	Position    int             `json:"position,omitempty"`
	PrizeAmount decimal.Decimal `json:"prizeAmount"`
	Message     string          `json:"message"`
	Pattern     *bingo.Match    `json:"pattern,omitempty"`
}

type Options struct {
	Stake decimal.Decimal
	// PrizeSchedule 按名次的奖池比例，名次超出则奖金为 0
	PrizeSchedule []decimal.Decimal
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PrizeSchedule == nil {
		o.PrizeSchedule = []decimal.Decimal{decimal.RequireFromString("0.8")}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Service struct {
	store session.Store
	opts  Options
	hub   websocket.Broadcaster
	// OnFinished 对局因胜利结束后回调（提交之后）
	OnFinished func(sessionID string)
}

func NewService(store session.Store, opts Options, hub websocket.Broadcaster) *Service {
	return &Service{store: store, opts: opts.withDefaults(), hub: hub}
}

// Prize 奖池 = 底注 × 在玩人数，奖金 = 奖池 × 名次比例，保留两位小数
func (s *Service) Prize(playing, position int) decimal.Decimal {
	if position < 1 || position > len(s.opts.PrizeSchedule) {
		return decimal.Zero
	}
	pot := s.opts.Stake.Mul(decimal.NewFromInt(int64(playing)))
	return pot.Mul(s.opts.PrizeSchedule[position-1]).Round(2)
}

// DeclareWin 在会话行锁内裁决；同一对局最多一个声明被接受
func (s *Service) DeclareWin(ctx context.Context, claim Claim) (Result, error) {
	var (
		res   Result
		batch *websocket.Batch
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		batch = &websocket.Batch{}
		sess, err := tx.LockSession(ctx, claim.SessionID)
		if err != nil {
			return err
		}
		res, err = s.Decide(ctx, tx, sess, claim, batch)
		return err
	})
	RecordOutcome(res, err)
	if err != nil {
		if session.CodeOf(err) == session.CodeConcurrencyLost {
			return Result{Message: err.Error()}, err
		}
		return Result{}, err
	}
	s.Finish(claim.SessionID, res, batch)
	return res, nil
}

// Finish 提交后的通知：发送暂存消息并回调
func (s *Service) Finish(sessionID string, res Result, batch *websocket.Batch) {
	if s.hub != nil {
		batch.Send(s.hub)
	}
	if !res.Accepted {
		return
	}
	metrics.RecordTransition(string(session.StatusActive), string(session.StatusFinished))
	if s.OnFinished != nil {
		s.OnFinished(sessionID)
	}
}

// RecordOutcome 记录裁决结果指标
func RecordOutcome(res Result, err error) {
	switch {
	case err != nil:
		metrics.RecordClaim(string(session.CodeOf(err)))
	case res.Accepted:
		metrics.RecordClaim("accepted")
	default:
		metrics.RecordClaim("rejected")
	}
}

// Decide 调用方已持有会话行锁。以权威已抽号码重新计算，不信任客户端快照；
// 通知写入 batch，由调用方在提交后发送
func (s *Service) Decide(ctx context.Context, tx session.Tx, sess session.Session, claim Claim, batch *websocket.Batch) (Result, error) {
	if sess.HasWinner() {
		return Result{}, session.New(session.CodeConcurrencyLost,
			fmt.Sprintf("session %s already has a winner", sess.Code))
	}
	if sess.Status != session.StatusActive {
		return Result{}, session.New(session.CodeInvalidState,
			fmt.Sprintf("session %s is %s, not active", sess.Code, sess.Status))
	}

	entries, err := tx.Entries(ctx, sess.ID)
	if err != nil {
		return Result{}, err
	}
	idx := -1
	for i, e := range entries {
		if e.PlayerID == claim.PlayerID && e.Status == session.EntryPlaying {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, session.New(session.CodeNotFound,
			fmt.Sprintf("player %s is not playing in session %s", claim.PlayerID, sess.Code))
	}

	draws, err := tx.Draws(ctx, sess.ID)
	if err != nil {
		return Result{}, err
	}
	if err := bingo.CheckDraws(draws); err != nil {
		return Result{}, session.Wrap(session.CodeFatal, "drawn numbers of session "+sess.ID, err)
	}
	card, err := tx.Card(ctx, entries[idx].CardID)
	if err != nil {
		return Result{}, err
	}
	if claim.DrawnNumbers != nil {
		if miss := mismatch(claim.DrawnNumbers, draws); miss > 0 {
			utils.Log.Warn("claim snapshot differs from drawn numbers",
				"session", sess.ID, "player", claim.PlayerID, "snapshot", len(claim.DrawnNumbers), "mismatch", miss)
		}
	}

	match, ok := pick(bingo.Evaluate(card, draws), claim)
	if !ok {
		return Result{Message: "no winning pattern on card"}, nil
	}

	now := s.opts.Now()
	won, err := tx.SetWinner(ctx, sess.ID, claim.PlayerID, match, now)
	if err != nil {
		return Result{}, err
	}
	if !won {
		return Result{}, session.New(session.CodeConcurrencyLost,
			fmt.Sprintf("session %s already has a winner", sess.Code))
	}

	playing := 0
	for _, e := range entries {
		if e.Status == session.EntryPlaying {
			playing++
		}
	}
	for _, e := range session.ActiveEntries(entries) {
		if e.PlayerID == claim.PlayerID {
			e.Status = session.EntryWinner
		} else {
			e.Status = session.EntryFinished
		}
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return Result{}, err
		}
		if _, err := tx.ReleaseResource(ctx, e.ResourceID); err != nil {
			return Result{}, err
		}
	}

	const position = 1
	prize := s.Prize(playing, position)
	rec := session.WinRecord{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		PlayerID:   claim.PlayerID,
		Pattern:    match.Type,
		Cells:      match.Cells,
		Position:   position,
		Prize:      prize,
		DeclaredAt: now,
	}
	if err := tx.CreateWinRecord(ctx, rec); err != nil {
		return Result{}, err
	}
	if prize.IsPositive() {
		if err := tx.Credit(ctx, claim.PlayerID, prize, CreditKindPrize, sess.ID, now); err != nil {
			return Result{}, err
		}
	}

	players := session.PlayerIDs(session.ActiveEntries(entries))
	batch.Add(players, EventWinner, map[string]any{
		"sessionId": sess.ID,
		"playerId":  claim.PlayerID,
		"pattern":   match,
		"prize":     prize,
		"drawn":     len(draws),
	})
	batch.Add(players, EventSessionFinished, map[string]any{"sessionId": sess.ID, "reason": "win"})
	utils.Log.Info("winner declared", "session", sess.ID, "player", claim.PlayerID,
		"pattern", match.Type, "prize", prize.StringFixed(2))

	return Result{
		Accepted:    true,
		Position:    position,
		PrizeAmount: prize,
		Message:     fmt.Sprintf("bingo! %s", match.Type),
		Pattern:     &match,
	}, nil
}

// pick 选出被接受的图案：未声明类型取规范匹配；声明了类型则必须已完成，
// 同类型多个时优先与声明格子一致的那个
func pick(matches []bingo.Match, claim Claim) (bingo.Match, bool) {
	if claim.ClaimedType == "" {
		return bingo.Canonical(matches)
	}
	if !claim.ClaimedType.Valid() {
		return bingo.Match{}, false
	}
	if len(claim.ClaimedPattern) > 0 {
		for _, m := range matches {
			if m.Type == claim.ClaimedType && sameCells(m.Cells, claim.ClaimedPattern) {
				return m, true
			}
		}
	}
	return bingo.Find(matches, claim.ClaimedType)
}

func sameCells(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}

// mismatch 快照与权威列表的差异个数
func mismatch(snapshot, drawn []int) int {
	have := make(map[int]bool, len(drawn))
	for _, n := range drawn {
		have[n] = true
	}
	miss := 0
	for _, n := range snapshot {
		if !have[n] {
			miss++
		}
	}
	return miss + max(0, len(drawn)-len(snapshot))
}
