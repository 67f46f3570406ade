package caller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisLease struct {
	rdb *redis.Client
}

func NewRedisLease(rdb *redis.Client) Lease {
	return &redisLease{rdb: rdb}
}

// key 约定：
//
//	kv: bingo:caller:{sessionID} -> token，PX 过期，进程崩溃后自动释放
func leaseKey(sessionID string) string {
	return fmt.Sprintf("bingo:caller:%s", sessionID)
}

// 比较后删除，保证只释放自己的租约（原子）
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *redisLease) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, leaseKey(sessionID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *redisLease) Release(ctx context.Context, sessionID, token string) error {
	err := releaseScript.Run(ctx, r.rdb, []string{leaseKey(sessionID)}, token).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
