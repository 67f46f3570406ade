package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"BingoRush/internal/bingo"

	"github.com/shopspring/decimal"
)

// memStore 内存实现，用于测试与单机演示。
// 事务期间持有全局锁并在副本上操作，提交时整体替换，失败即丢弃
type memStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	sessions  map[string]Session
	draws     map[string][]int
	entries   []Entry
	cards     map[int]bingo.Card
	resources map[int]Resource
	wins      map[string]WinRecord
	balances  map[string]decimal.Decimal
	ledger    []LedgerEntry
}

func NewMemoryStore() Store {
	return &memStore{state: &memState{
		sessions:  make(map[string]Session),
		draws:     make(map[string][]int),
		cards:     make(map[int]bingo.Card),
		resources: make(map[int]Resource),
		wins:      make(map[string]WinRecord),
		balances:  make(map[string]decimal.Decimal),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		sessions:  make(map[string]Session, len(st.sessions)),
		draws:     make(map[string][]int, len(st.draws)),
		entries:   append([]Entry(nil), st.entries...),
		cards:     st.cards, // 卡面写入后不可变
		resources: make(map[int]Resource, len(st.resources)),
		wins:      make(map[string]WinRecord, len(st.wins)),
		balances:  make(map[string]decimal.Decimal, len(st.balances)),
		ledger:    append([]LedgerEntry(nil), st.ledger...),
	}
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	for k, v := range st.draws {
		c.draws[k] = append([]int(nil), v...)
	}
	for k, v := range st.resources {
		c.resources[k] = v
	}
	for k, v := range st.wins {
		c.wins[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	return c
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) DueDraws(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan(limit, func(s Session) bool {
		return s.Status == StatusActive && s.NextDrawAt != nil && !s.NextDrawAt.After(now)
	}), nil
}

func (m *memStore) ExpiredCountdowns(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan(limit, func(s Session) bool {
		return s.Status == StatusCountdown && s.CountdownStartedAt != nil && !s.CountdownStartedAt.After(startedBefore)
	}), nil
}

func (m *memStore) StaleWaiting(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan(limit, func(s Session) bool {
		return s.Status == StatusWaiting && !s.CreatedAt.After(createdBefore)
	}), nil
}

func (m *memStore) scan(limit int, keep func(Session) bool) []string {
	var hits []Session
	for _, s := range m.state.sessions {
		if keep(s) {
			hits = append(hits, s)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.Before(hits[j].CreatedAt) })
	ids := make([]string, 0, len(hits))
	for _, s := range hits {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func (m *memStore) SeedCards(ctx context.Context, cards []bingo.Card) error {
	for _, c := range cards {
		if err := c.Validate(); err != nil {
			return Wrap(CodeFatal, "seed cards", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[int]bingo.Card, len(m.state.cards)+len(cards))
	for k, v := range m.state.cards {
		next[k] = v
	}
	for _, c := range cards {
		next[c.ID] = c
		if _, ok := m.state.resources[c.ID]; !ok {
			m.state.resources[c.ID] = Resource{ID: c.ID}
		}
	}
	m.state.cards = next
	return nil
}

func (m *memStore) WinRecord(ctx context.Context, sessionID string) (WinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wins[sessionID]
	if !ok {
		return WinRecord{}, New(CodeNotFound, "win record not found")
	}
	return w, nil
}

func (m *memStore) Balance(ctx context.Context, playerID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balances[playerID], nil
}

type memTx struct {
	st *memState
}

func (t *memTx) LockMatchmaking(ctx context.Context) error { return nil }

func (t *memTx) LockSession(ctx context.Context, id string) (Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return Session{}, New(CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	return s, nil
}

func (t *memTx) SessionByCode(ctx context.Context, code string) (Session, error) {
	for _, s := range t.st.sessions {
		if s.Code == code {
			return s, nil
		}
	}
	return Session{}, New(CodeNotFound, fmt.Sprintf("session %s not found", code))
}

func (t *memTx) FindOpenSession(ctx context.Context, capacity int) (Session, bool, error) {
	var best *Session
	for _, s := range t.st.sessions {
		if !s.Status.Open() || t.activeCount(s.ID) >= capacity {
			continue
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) {
			c := s
			best = &c
		}
	}
	if best == nil {
		return Session{}, false, nil
	}
	return *best, true, nil
}

func (t *memTx) activeCount(sessionID string) int {
	n := 0
	for _, e := range t.st.entries {
		if e.SessionID == sessionID && e.Status.Active() {
			n++
		}
	}
	return n
}

func (t *memTx) CreateSession(ctx context.Context, s Session) error {
	for _, other := range t.st.sessions {
		if other.Code == s.Code {
			return ErrDuplicateCode
		}
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *memTx) UpdateSession(ctx context.Context, s Session) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return New(CodeNotFound, fmt.Sprintf("session %s not found", s.ID))
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *memTx) SetWinner(ctx context.Context, id, playerID string, m bingo.Match, at time.Time) (bool, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return false, New(CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	if s.HasWinner() || s.Status != StatusActive {
		return false, nil
	}
	if err := s.Transition(StatusFinished, at); err != nil {
		return false, err
	}
	s.WinnerID = playerID
	s.WinPattern = &m
	t.st.sessions[id] = s
	return true, nil
}

func (t *memTx) Draws(ctx context.Context, sessionID string) ([]int, error) {
	return append([]int(nil), t.st.draws[sessionID]...), nil
}

func (t *memTx) AppendDraw(ctx context.Context, sessionID string, seq, number int, at time.Time) error {
	cur := t.st.draws[sessionID]
	if seq != len(cur)+1 {
		return New(CodeFatal, fmt.Sprintf("draw seq %d out of order for session %s", seq, sessionID))
	}
	for _, n := range cur {
		if n == number {
			return New(CodeFatal, fmt.Sprintf("number %d already drawn in session %s", number, sessionID))
		}
	}
	t.st.draws[sessionID] = append(cur, number)
	return nil
}

func (t *memTx) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	var out []Entry
	for _, e := range t.st.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (t *memTx) ActiveEntryForPlayer(ctx context.Context, playerID string) (Entry, bool, error) {
	for _, e := range t.st.entries {
		if e.PlayerID == playerID && e.Status.Active() {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (t *memTx) InsertEntry(ctx context.Context, e Entry) error {
	if e.Status.Active() {
		if _, ok, _ := t.ActiveEntryForPlayer(ctx, e.PlayerID); ok {
			return New(CodeInvalidState, fmt.Sprintf("player %s already seated", e.PlayerID))
		}
	}
	t.st.entries = append(t.st.entries, e)
	return nil
}

func (t *memTx) UpdateEntry(ctx context.Context, e Entry) error {
	for i := range t.st.entries {
		if t.st.entries[i].ID == e.ID {
			t.st.entries[i] = e
			return nil
		}
	}
	return New(CodeNotFound, fmt.Sprintf("entry %s not found", e.ID))
}

func (t *memTx) Card(ctx context.Context, id int) (bingo.Card, error) {
	c, ok := t.st.cards[id]
	if !ok {
		return bingo.Card{}, New(CodeNotFound, fmt.Sprintf("card %d not found", id))
	}
	return c, nil
}

func (t *memTx) Resource(ctx context.Context, id int) (Resource, error) {
	r, ok := t.st.resources[id]
	if !ok {
		return Resource{}, New(CodeNotFound, fmt.Sprintf("pool resource %d not found", id))
	}
	return r, nil
}

func (t *memTx) HoldResource(ctx context.Context, id int, playerID, sessionID string, at time.Time) error {
	r, ok := t.st.resources[id]
	if !ok {
		return New(CodeNotFound, fmt.Sprintf("pool resource %d not found", id))
	}
	if r.Held() {
		return New(CodeInvalidState, fmt.Sprintf("pool resource %d is taken", id))
	}
	held := at
	t.st.resources[id] = Resource{ID: id, HolderID: playerID, SessionID: sessionID, HeldAt: &held}
	return nil
}

func (t *memTx) ReleaseResource(ctx context.Context, id int) (bool, error) {
	r, ok := t.st.resources[id]
	if !ok || !r.Held() {
		return false, nil
	}
	t.st.resources[id] = Resource{ID: id}
	return true, nil
}

func (t *memTx) CreateWinRecord(ctx context.Context, w WinRecord) error {
	if _, ok := t.st.wins[w.SessionID]; ok {
		return New(CodeConcurrencyLost, fmt.Sprintf("session %s already has a win record", w.SessionID))
	}
	t.st.wins[w.SessionID] = w
	return nil
}

func (t *memTx) Credit(ctx context.Context, playerID string, amount decimal.Decimal, kind, reference string, at time.Time) error {
	t.st.balances[playerID] = t.st.balances[playerID].Add(amount)
	t.st.ledger = append(t.st.ledger, LedgerEntry{
		PlayerID: playerID, Kind: kind, Amount: amount, Reference: reference, CreatedAt: at,
	})
	return nil
}
