package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the channel prefix for hire progress.
const DefaultRedisPrefix = "escrow:hire"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events on <prefix>:<hire_id>.
type RedisSink struct {
	client redisPublisher
	prefix string
}

// NewRedisSink 创建 Redis 进度 Sink。
func NewRedisSink(client redisPublisher, prefix string) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis 客户端不能为空")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

// Channel 返回某次雇佣的进度频道。
func (s *RedisSink) Channel(hireID string) string {
	return s.prefix + ":" + hireID
}

// Publish 将事件编码为 JSON 后发布。
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("编码进度事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev.HireID), body).Err(); err != nil {
		return fmt.Errorf("发布进度事件到 redis 失败: %w", err)
	}
	return nil
}
