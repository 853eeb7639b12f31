package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"dataquality-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。
// addr 为空时跳过初始化，依赖 Redis 的功能（报告缓存）自动降级。
func InitRedis(addr, password string, db int) {
	if addr == "" {
		log.Info("Redis 未配置，报告缓存已禁用")
		return
	}

	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx := context.Background()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
