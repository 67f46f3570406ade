package session

import (
	"time"

	"BingoRush/internal/bingo"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// Open 可加入的状态
func (s Status) Open() bool { return s == StatusWaiting || s == StatusCountdown }

func (s Status) Terminal() bool { return s == StatusFinished || s == StatusCancelled }

type EntryStatus string

const (
	EntryWaiting      EntryStatus = "waiting"
	EntryReady        EntryStatus = "ready"
	EntryPlaying      EntryStatus = "playing"
	EntryWinner       EntryStatus = "winner"
	EntryFinished     EntryStatus = "finished"
	EntryLeft         EntryStatus = "left"
	EntryDisconnected EntryStatus = "disconnected"
)

// Active 仍占用座位的状态；一个玩家同一时刻最多一条
func (s EntryStatus) Active() bool {
	return s == EntryWaiting || s == EntryReady || s == EntryPlaying
}

// Session 一局对局。已抽号码单独存放（追加写），不在此结构内
type Session struct {
	ID                 string       `json:"id"`
	Code               string       `json:"code"`
	Status             Status       `json:"status"`
	CountdownStartedAt *time.Time   `json:"countdownStartedAt,omitempty"`
	NextDrawAt         *time.Time   `json:"nextDrawAt,omitempty"`
	WinnerID           string       `json:"winnerId,omitempty"`
	WinPattern         *bingo.Match `json:"winPattern,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	StartedAt          *time.Time   `json:"startedAt,omitempty"`
	FinishedAt         *time.Time   `json:"finishedAt,omitempty"`
}

func (s Session) HasWinner() bool { return s.WinnerID != "" }

// Entry 排队记录：玩家 + 卡面 + cartela
type Entry struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	PlayerID   string      `json:"playerId"`
	CardID     int         `json:"cardId"`
	ResourceID int         `json:"resourceId"`
	Status     EntryStatus `json:"status"`
	JoinedAt   time.Time   `json:"joinedAt"`
	LeftAt     *time.Time  `json:"leftAt,omitempty"`
}

// Resource cartela 持有情况，HolderID 为空表示空闲
type Resource struct {
	ID        int        `json:"id"`
	HolderID  string     `json:"holderId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	HeldAt    *time.Time `json:"heldAt,omitempty"`
}

func (r Resource) Held() bool { return r.HolderID != "" }

type WinRecord struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	PlayerID   string            `json:"playerId"`
	Pattern    bingo.PatternType `json:"pattern"`
	Cells      []int             `json:"cells"`
	Position   int               `json:"position"`
	Prize      decimal.Decimal   `json:"prize"`
	DeclaredAt time.Time         `json:"declaredAt"`
}

// ActiveEntries 过滤出仍在座的记录，保持加入顺序
func ActiveEntries(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status.Active() {
			out = append(out, e)
		}
	}
	return out
}

// Host 最早加入且仍在座的玩家
func Host(entries []Entry) string {
	for _, e := range entries {
		if e.Status.Active() {
			return e.PlayerID
		}
	}
	return ""
}

func PlayerIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PlayerID)
	}
	return out
}
