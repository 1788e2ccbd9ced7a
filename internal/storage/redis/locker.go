// Package redis provides a Redis-backed per-record lock so several escrowd
// instances can share one store without interleaving operations on the same
// escrow.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the lock stays held past the wait budget.
var ErrLockNotAcquired = errors.New("redis: lock not acquired")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config 描述锁的连接与超时参数。MaxHold 是续期的上限，超过后锁按 TTL 自然过期。
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Wait     time.Duration `yaml:"wait"`
	MaxHold  time.Duration `yaml:"max_hold" split_words:"true"`
}

// Locker 基于 SET NX PX 实现互斥。锁带 TTL，持有者崩溃后会自动过期；
// 持有期间每隔 TTL/3 续期一次，直到释放或达到 MaxHold。
type Locker struct {
	client  goredis.UniversalClient
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	maxHold time.Duration
}

// NewLocker 连接 Redis 并返回 Locker。
func NewLocker(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewLockerWithClient(client, cfg), nil
}

// NewLockerWithClient 复用已有客户端。
func NewLockerWithClient(client goredis.UniversalClient, cfg Config) *Locker {
	l := &Locker{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, wait: cfg.Wait, maxHold: cfg.MaxHold}
	if l.prefix == "" {
		l.prefix = "escrow:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	if l.wait <= 0 {
		l.wait = 10 * time.Second
	}
	if l.maxHold < l.ttl {
		l.maxHold = 10 * l.ttl
	}
	return l
}

// Lock 获取 key 的锁，返回释放函数。等待超过配置时间返回 ErrLockNotAcquired。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	exp.MaxInterval = 250 * time.Millisecond
	exp.MaxElapsedTime = l.wait

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("Redis 加锁失败: %w", err))
		}
		if !ok {
			return ErrLockNotAcquired
		}
		return nil
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// keepAlive 续期直到 stop 关闭、锁已易主或持有时间达到 maxHold。
func (l *Locker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(renewEvery(l.ttl))
	defer ticker.Stop()
	deadline := time.NewTimer(l.maxHold)
	defer deadline.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), renewEvery(l.ttl))
			renewed, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && renewed == 0 {
				return
			}
		}
	}
}

func renewEvery(ttl time.Duration) time.Duration {
	if every := ttl / 3; every >= 10*time.Millisecond {
		return every
	}
	return 10 * time.Millisecond
}

// Close 关闭 Redis 连接。
func (l *Locker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
