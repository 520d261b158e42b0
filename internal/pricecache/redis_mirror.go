package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirrorConfig 描述价格快照镜像的 Redis 连接参数。
type RedisMirrorConfig struct {
	URL string
	Key string
	TTL time.Duration
}

// RedisMirror 将价格快照以 JSON 写入 Redis，供其他进程读取。
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror 解析 URL 并确认 Redis 可达。
func NewRedisMirror(ctx context.Context, cfg RedisMirrorConfig) (*RedisMirror, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("Redis URL 不能为空")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisMirror(client, cfg.Key, cfg.TTL), nil
}

func newRedisMirror(client *redis.Client, key string, ttl time.Duration) *RedisMirror {
	if key == "" {
		key = "walletd:prices"
	}
	if ttl <= 0 {
		ttl = 2 * defaultInterval
	}
	return &RedisMirror{client: client, key: key, ttl: ttl}
}

// Store 覆盖写入当前快照。
func (m *RedisMirror) Store(ctx context.Context, entries []Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("序列化价格快照失败: %w", err)
	}
	if err := m.client.Set(ctx, m.key, payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	return nil
}

// Close 释放 Redis 连接。
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
