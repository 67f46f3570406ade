package caller

import (
	"context"
	"time"
)

// Lease 抽号执行权：同一对局同一时刻只有一个 worker 在抽号。
// 正确性由会话行锁保证，租约只避免多个进程排队等同一把行锁
type Lease interface {
	// Acquire 成功返回 token；已被他人持有返回 ok=false
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (token string, ok bool, err error)
	// Release 仅当 token 仍匹配时删除，过期后被他人重新获取的租约不受影响
	Release(ctx context.Context, sessionID, token string) error
}
