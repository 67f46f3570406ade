package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BingoRush/internal/bingo"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// matchmakingLockKey pg_advisory_xact_lock 使用的固定键
const matchmakingLockKey = 7523_0001

const defaultScanLimit = 100

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// classify 将驱动错误归入错误分类；已是领域错误的原样返回
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Wrap(CodeNotFound, msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return Wrap(CodeTransient, msg, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return Wrap(CodeTransient, msg, err)
		case "23505":
			return Wrap(CodeInvalidState, msg, err)
		case "22P02":
			return Wrap(CodeNotFound, msg, err)
		}
		if pqErr.Code.Class() == "08" {
			return Wrap(CodeTransient, msg, err)
		}
		return Wrap(CodeFatal, msg, err)
	}
	return Wrap(CodeTransient, msg, err)
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin tx")
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit tx")
	}
	return nil
}

func (p *PostgresStore) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "scan sessions")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan session id")
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err(), "scan sessions")
}

func scanLimit(limit int) int {
	if limit <= 0 {
		return defaultScanLimit
	}
	return limit
}

func (p *PostgresStore) DueDraws(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return p.scanIDs(ctx, `
		SELECT id FROM sessions
		WHERE status = 'active' AND next_draw_at IS NOT NULL AND next_draw_at <= $1
		ORDER BY next_draw_at
		LIMIT $2`, now, scanLimit(limit))
}

func (p *PostgresStore) ExpiredCountdowns(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	return p.scanIDs(ctx, `
		SELECT id FROM sessions
		WHERE status = 'countdown' AND countdown_started_at <= $1
		ORDER BY created_at
		LIMIT $2`, startedBefore, scanLimit(limit))
}

func (p *PostgresStore) StaleWaiting(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	return p.scanIDs(ctx, `
		SELECT id FROM sessions
		WHERE status = 'waiting' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, scanLimit(limit))
}

func (p *PostgresStore) SeedCards(ctx context.Context, cards []bingo.Card) error {
	for _, c := range cards {
		if err := c.Validate(); err != nil {
			return Wrap(CodeFatal, "seed cards", err)
		}
	}
	return p.InTx(ctx, func(ctx context.Context, tx Tx) error {
		sqlTx := tx.(*pgTx).tx
		for _, c := range cards {
			if _, err := sqlTx.ExecContext(ctx,
				`INSERT INTO cards (id, grid) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
				c.ID, pq.Array(gridToInt64(c.Grid))); err != nil {
				return classify(err, "insert card")
			}
			if _, err := sqlTx.ExecContext(ctx,
				`INSERT INTO pool_resources (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, c.ID); err != nil {
				return classify(err, "insert pool resource")
			}
		}
		return nil
	})
}

func (p *PostgresStore) WinRecord(ctx context.Context, sessionID string) (WinRecord, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return WinRecord{}, New(CodeNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	var (
		w       WinRecord
		pattern string
		cells   []int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, player_id, pattern_type, cells, position, prize, declared_at
		FROM win_records WHERE session_id = $1`, sessionID).
		Scan(&w.ID, &w.SessionID, &w.PlayerID, &pattern, pq.Array(&cells), &w.Position, &w.Prize, &w.DeclaredAt)
	if err != nil {
		return WinRecord{}, classify(err, "win record")
	}
	w.Pattern = bingo.PatternType(pattern)
	w.Cells = int64sToInts(cells)
	return w, nil
}

func (p *PostgresStore) Balance(ctx context.Context, playerID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM players WHERE id = $1`, playerID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, classify(err, "balance")
	}
	return bal, nil
}

type pgTx struct {
	tx *sql.Tx
}

const sessionColumns = `id, code, status, countdown_started_at, next_draw_at, winner_id, win_pattern, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                   Session
		status              string
		countdown, nextDraw sql.NullTime
		started, finished   sql.NullTime
		winner              sql.NullString
		pattern             []byte
	)
	if err := row.Scan(&s.ID, &s.Code, &status, &countdown, &nextDraw, &winner, &pattern, &s.CreatedAt, &started, &finished); err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	s.CountdownStartedAt = timePtr(countdown)
	s.NextDrawAt = timePtr(nextDraw)
	s.StartedAt = timePtr(started)
	s.FinishedAt = timePtr(finished)
	s.WinnerID = winner.String
	if len(pattern) > 0 {
		var m bingo.Match
		if err := json.Unmarshal(pattern, &m); err != nil {
			return Session{}, Wrap(CodeFatal, "decode win pattern", err)
		}
		s.WinPattern = &m
	}
	return s, nil
}

func (t *pgTx) LockMatchmaking(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, matchmakingLockKey)
	return classify(err, "matchmaking lock")
}

func (t *pgTx) LockSession(ctx context.Context, id string) (Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, New(CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	s, err := scanSession(t.tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Session{}, classify(err, fmt.Sprintf("session %s", id))
	}
	return s, nil
}

func (t *pgTx) SessionByCode(ctx context.Context, code string) (Session, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE code = $1`, code))
	if err != nil {
		return Session{}, classify(err, fmt.Sprintf("session %s", code))
	}
	return s, nil
}

func (t *pgTx) FindOpenSession(ctx context.Context, capacity int) (Session, bool, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.status IN ('waiting', 'countdown')
		  AND (SELECT count(*) FROM queue_entries e
		       WHERE e.session_id = s.id AND e.status IN ('waiting', 'ready', 'playing')) < $1
		ORDER BY s.created_at
		LIMIT 1`, capacity))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, classify(err, "find open session")
	}
	return s, true, nil
}

func (t *pgTx) CreateSession(ctx context.Context, s Session) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, code, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO NOTHING`, s.ID, s.Code, string(s.Status), s.CreatedAt)
	if err != nil {
		return classify(err, "create session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateCode
	}
	return nil
}

func (t *pgTx) UpdateSession(ctx context.Context, s Session) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, countdown_started_at = $3, next_draw_at = $4, started_at = $5, finished_at = $6
		WHERE id = $1`,
		s.ID, string(s.Status), nullTime(s.CountdownStartedAt), nullTime(s.NextDrawAt), nullTime(s.StartedAt), nullTime(s.FinishedAt))
	if err != nil {
		return classify(err, "update session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return New(CodeNotFound, fmt.Sprintf("session %s not found", s.ID))
	}
	return nil
}

func (t *pgTx) SetWinner(ctx context.Context, id, playerID string, m bingo.Match, at time.Time) (bool, error) {
	pattern, err := json.Marshal(m)
	if err != nil {
		return false, Wrap(CodeFatal, "encode win pattern", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET winner_id = $2, win_pattern = $3, status = 'finished', finished_at = $4, next_draw_at = NULL
		WHERE id = $1 AND winner_id IS NULL AND status = 'active'`, id, playerID, pattern, at)
	if err != nil {
		return false, classify(err, "set winner")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "set winner")
	}
	return n == 1, nil
}

func (t *pgTx) Draws(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT number FROM session_draws WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, classify(err, "draws")
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, classify(err, "scan draw")
		}
		out = append(out, n)
	}
	return out, classify(rows.Err(), "draws")
}

func (t *pgTx) AppendDraw(ctx context.Context, sessionID string, seq, number int, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO session_draws (session_id, seq, number, drawn_at) VALUES ($1, $2, $3, $4)`,
		sessionID, seq, number, at)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "23505" || pqErr.Code == "23514") {
		return Wrap(CodeFatal, fmt.Sprintf("draw %d rejected for session %s", number, sessionID), err)
	}
	return classify(err, "append draw")
}

const entryColumns = `id, session_id, player_id, card_id, resource_id, status, joined_at, left_at`

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		status string
		left   sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.PlayerID, &e.CardID, &e.ResourceID, &status, &e.JoinedAt, &left); err != nil {
		return Entry{}, err
	}
	e.Status = EntryStatus(status)
	e.LeftAt = timePtr(left)
	return e, nil
}

func (t *pgTx) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE session_id = $1 ORDER BY joined_at, id`, sessionID)
	if err != nil {
		return nil, classify(err, "entries")
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(err, "scan entry")
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "entries")
}

func (t *pgTx) ActiveEntryForPlayer(ctx context.Context, playerID string) (Entry, bool, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE player_id = $1 AND status IN ('waiting', 'ready', 'playing')`, playerID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, classify(err, "active entry")
	}
	return e, true, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO queue_entries (id, session_id, player_id, card_id, resource_id, status, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.SessionID, e.PlayerID, e.CardID, e.ResourceID, string(e.Status), e.JoinedAt, nullTime(e.LeftAt))
	return classify(err, "insert entry")
}

func (t *pgTx) UpdateEntry(ctx context.Context, e Entry) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE queue_entries SET status = $2, left_at = $3 WHERE id = $1`,
		e.ID, string(e.Status), nullTime(e.LeftAt))
	if err != nil {
		return classify(err, "update entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return New(CodeNotFound, fmt.Sprintf("entry %s not found", e.ID))
	}
	return nil
}

func (t *pgTx) Card(ctx context.Context, id int) (bingo.Card, error) {
	var cells []int64
	err := t.tx.QueryRowContext(ctx, `SELECT grid FROM cards WHERE id = $1`, id).Scan(pq.Array(&cells))
	if err != nil {
		return bingo.Card{}, classify(err, fmt.Sprintf("card %d", id))
	}
	if len(cells) != bingo.Cells {
		return bingo.Card{}, New(CodeFatal, fmt.Sprintf("card %d has %d cells", id, len(cells)))
	}
	var grid [bingo.Cells]int
	for i, n := range cells {
		grid[i] = int(n)
	}
	c := bingo.Card{ID: id, Grid: grid}
	if err := c.Validate(); err != nil {
		return bingo.Card{}, Wrap(CodeFatal, "card data", err)
	}
	return c, nil
}

func (t *pgTx) Resource(ctx context.Context, id int) (Resource, error) {
	var (
		r              Resource
		holder, sessID sql.NullString
		held           sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, holder_id, session_id, held_at FROM pool_resources WHERE id = $1`, id).
		Scan(&r.ID, &holder, &sessID, &held)
	if err != nil {
		return Resource{}, classify(err, fmt.Sprintf("pool resource %d", id))
	}
	r.HolderID = holder.String
	r.SessionID = sessID.String
	r.HeldAt = timePtr(held)
	return r, nil
}

func (t *pgTx) HoldResource(ctx context.Context, id int, playerID, sessionID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pool_resources SET holder_id = $2, session_id = $3, held_at = $4
		WHERE id = $1 AND holder_id IS NULL`, id, playerID, sessionID, at)
	if err != nil {
		return classify(err, "hold pool resource")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return New(CodeInvalidState, fmt.Sprintf("pool resource %d is taken", id))
	}
	return nil
}

func (t *pgTx) ReleaseResource(ctx context.Context, id int) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pool_resources SET holder_id = NULL, session_id = NULL, held_at = NULL
		WHERE id = $1 AND holder_id IS NOT NULL`, id)
	if err != nil {
		return false, classify(err, "release pool resource")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (t *pgTx) CreateWinRecord(ctx context.Context, w WinRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO win_records (id, session_id, player_id, pattern_type, cells, position, prize, declared_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.SessionID, w.PlayerID, string(w.Pattern), pq.Array(intsToInt64(w.Cells)), w.Position, w.Prize, w.DeclaredAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return Wrap(CodeConcurrencyLost, fmt.Sprintf("session %s already has a win record", w.SessionID), err)
	}
	return classify(err, "create win record")
}

func (t *pgTx) Credit(ctx context.Context, playerID string, amount decimal.Decimal, kind, reference string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO players (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = players.balance + EXCLUDED.balance`, playerID, amount); err != nil {
		return classify(err, "credit balance")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (player_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)`, playerID, kind, amount, reference, at)
	return classify(err, "wallet transaction")
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func gridToInt64(grid [bingo.Cells]int) []int64 {
	return intsToInt64(grid[:])
}

func intsToInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, n := range in {
		out[i] = int64(n)
	}
	return out
}

func int64sToInts(in []int64) []int {
	out := make([]int, len(in))
	for i, n := range in {
		out[i] = int(n)
	}
	return out
}
