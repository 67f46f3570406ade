package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var Rdb *redis.Client
var Ctx = context.Background()

func InitRedis(addr, password string, db int) error {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 3 * time.Second,
	})
	if err := client.Ping(Ctx).Err(); err != nil {
		client.Close()
		return err
	}
	Rdb = client
	return nil
}

// Close 关闭已初始化的连接
func Close() {
	if Rdb != nil {
		Rdb.Close()
	}
	if DB != nil {
		DB.Close()
	}
}
