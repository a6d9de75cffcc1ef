package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlGame      = 7 * 24 * time.Hour
	recentLimit  = 100
	keyRecent    = "lichessbot:games:recent"
	keyGamPrefix = "lichessbot:game:"
)

// RedisStore keeps the most recent finished games.
type RedisStore struct {
	rdb   *redis.Client
	limit int64
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, limit: recentLimit}
}

// OpenRedis parses a redis:// URL and checks the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func keyGame(id string) string { return keyGamPrefix + strings.TrimSpace(id) }

func (s *RedisStore) Record(ctx context.Context, rec GameRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyGame(rec.ID), raw, ttlGame)
	pipe.LRem(ctx, keyRecent, 0, rec.ID)
	pipe.LPush(ctx, keyRecent, rec.ID)
	pipe.LTrim(ctx, keyRecent, 0, s.limit-1)
	pipe.Expire(ctx, keyRecent, ttlGame)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns nil, nil when the game is unknown or expired.
func (s *RedisStore) Load(ctx context.Context, id string) (*GameRecord, error) {
	raw, err := s.rdb.Get(ctx, keyGame(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec GameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent lists up to n games, newest first. Expired entries are skipped.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]GameRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.LRange(ctx, keyRecent, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]GameRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}
