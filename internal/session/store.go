package session

import (
	"context"
	"time"

	"BingoRush/internal/bingo"

	"github.com/shopspring/decimal"
)

// Store 持久化抽象。所有会话变更都在 InTx 内完成：
// LockSession 持有会话行排他锁直到事务结束，fn 返回错误则整体回滚
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// 后台扫描，只读不加锁；调用方拿到 id 后需在事务中重新加锁复核
	DueDraws(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpiredCountdowns(ctx context.Context, startedBefore time.Time, limit int) ([]string, error)
	StaleWaiting(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)

	SeedCards(ctx context.Context, cards []bingo.Card) error
	WinRecord(ctx context.Context, sessionID string) (WinRecord, error)
	Balance(ctx context.Context, playerID string) (decimal.Decimal, error)
}

// Tx 内只有 LockSession 加行锁；记录与 cartela 的读取不加锁，
// 调用方先锁会话再复核，保证所有操作按 会话 → 记录 → cartela 的顺序加锁
type Tx interface {
	// LockMatchmaking 串行化所有 join，避免并发首次加入各自建局
	LockMatchmaking(ctx context.Context) error
	LockSession(ctx context.Context, id string) (Session, error)
	SessionByCode(ctx context.Context, code string) (Session, error)
	// FindOpenSession 最早创建、状态 waiting/countdown 且在座人数 < capacity 的会话（未加锁）
	FindOpenSession(ctx context.Context, capacity int) (Session, bool, error)
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	// SetWinner 条件更新：仅当 winner 为空且状态为 active 时写入，返回是否成功
	SetWinner(ctx context.Context, id, playerID string, m bingo.Match, at time.Time) (bool, error)

	Draws(ctx context.Context, sessionID string) ([]int, error)
	AppendDraw(ctx context.Context, sessionID string, seq, number int, at time.Time) error

	Entries(ctx context.Context, sessionID string) ([]Entry, error)
	ActiveEntryForPlayer(ctx context.Context, playerID string) (Entry, bool, error)
	InsertEntry(ctx context.Context, e Entry) error
	UpdateEntry(ctx context.Context, e Entry) error

	Card(ctx context.Context, id int) (bingo.Card, error)
	Resource(ctx context.Context, id int) (Resource, error)
	HoldResource(ctx context.Context, id int, playerID, sessionID string, at time.Time) error
	ReleaseResource(ctx context.Context, id int) (bool, error)

	CreateWinRecord(ctx context.Context, w WinRecord) error
	Credit(ctx context.Context, playerID string, amount decimal.Decimal, kind, reference string, at time.Time) error
}

// LedgerEntry 余额流水
type LedgerEntry struct {
	PlayerID  string
	Kind      string
	Amount    decimal.Decimal
	Reference string
	CreatedAt time.Time
}
