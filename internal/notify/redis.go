package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布器的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// List 保存事件，供下游按 BRPOP 消费。
	List string
	// Channel 非空时同时通过 PUBLISH 推送给在线订阅者。
	Channel  string
	Encoding Encoding
}

// RedisPublisher 使用 Redis list 投递事件。
type RedisPublisher struct {
	client   redis.UniversalClient
	list     string
	channel  string
	encoding Encoding
}

// NewRedisPublisher 创建 Redis 发布器并检查连通性。
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg), nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	list := cfg.List
	if list == "" {
		list = "escrow:events"
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = EncodingJSON
	}
	return &RedisPublisher{client: client, list: list, channel: cfg.Channel, encoding: enc}
}

// Publish 在一个事务管道内写入 list 并广播。
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := Encode(p.encoding, evt)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.list, payload)
		if p.channel != "" {
			pipe.Publish(ctx, p.channel, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
