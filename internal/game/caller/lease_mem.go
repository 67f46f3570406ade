package caller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLease struct {
	mu   sync.Mutex
	held map[string]memHold
	now  func() time.Time
}

type memHold struct {
	token   string
	expires time.Time
}

// NewMemoryLease 单进程部署或测试使用
func NewMemoryLease(now func() time.Time) Lease {
	if now == nil {
		now = time.Now
	}
	return &memLease{held: make(map[string]memHold), now: now}
}

func (l *memLease) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[sessionID]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[sessionID] = memHold{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *memLease) Release(ctx context.Context, sessionID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[sessionID]; ok && h.token == token {
		delete(l.held, sessionID)
	}
	return nil
}
