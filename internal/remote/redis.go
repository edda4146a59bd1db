package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"feederd/pkg/logx"
)

type redisStore struct {
	client *redis.Client
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	// Fail fast on unreachable Redis so misconfiguration surfaces at startup.
	pctx, cancel := context.WithTimeout(context.Background(), pingTimeout(cfg))
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote: ping %s: %w", cfg.Addr, err)
	}

	log.Debug("remote store connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return &redisStore{client: client, log: log}, nil
}

func pingTimeout(cfg Config) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return 5 * time.Second
}

func (s *redisStore) GetJSON(ctx context.Context, key string, dst any) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("remote: get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("remote: decode %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) SetJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("remote: set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) PushJSON(ctx context.Context, key string, v any, maxLen int64) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", key, err)
	}
	if err := s.client.RPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("remote: push %s: %w", key, err)
	}
	if maxLen > 0 {
		if err := s.client.LTrim(ctx, key, -maxLen, -1).Err(); err != nil {
			return fmt.Errorf("remote: trim %s: %w", key, err)
		}
	}
	return nil
}

func (s *redisStore) ListJSON(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("remote: range %s: %w", key, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("remote: del %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
