package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-relay-bot/internal/domain"
)

const (
	defaultPrefix = "relay"
	scanBatch     = 200
)

// RedisJournal хранит историю отправок в Redis: одна запись на ключ с TTL окна хранения.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

var _ domain.SentJournal = (*RedisJournal)(nil)

// NewRedisJournal создаёт журнал истории.
func NewRedisJournal(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisJournal{client: client, prefix: prefix}
}

func (j *RedisJournal) sentKey(key string) string {
	return j.prefix + ":sent:" + key
}

// SaveSent сохраняет запись; Redis сам удалит её по истечении ttl.
func (j *RedisJournal) SaveSent(ctx context.Context, rec domain.SentRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("сериализация записи: %w", err)
	}
	if err := j.client.Set(ctx, j.sentKey(rec.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LoadSent читает все записи, отправленные после since.
func (j *RedisJournal) LoadSent(ctx context.Context, since time.Time) ([]domain.SentRecord, error) {
	var out []domain.SentRecord
	iter := j.client.Scan(ctx, 0, j.sentKey("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		raw, err := j.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		var rec domain.SentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.SentAt.After(since) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// PruneSent ничего не делает: записи истекают по TTL.
func (j *RedisJournal) PruneSent(context.Context, time.Time) error {
	return nil
}

// RedisSnapshots хранит снимок использования ключей, чтобы рестарт не тратил лишние проверки.
type RedisSnapshots struct {
	client *redis.Client
	key    string
}

var _ domain.SnapshotStore = (*RedisSnapshots)(nil)

// NewRedisSnapshots создаёт хранилище снимков.
func NewRedisSnapshots(client *redis.Client, prefix string) *RedisSnapshots {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisSnapshots{client: client, key: prefix + ":" + snapshotKey}
}

// LoadSnapshot возвращает снимок, если он есть.
func (s *RedisSnapshots) LoadSnapshot(ctx context.Context) (domain.UsageSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.UsageSnapshot{}, false, nil
	}
	if err != nil {
		return domain.UsageSnapshot{}, false, fmt.Errorf("redis get: %w", err)
	}
	var snap domain.UsageSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.UsageSnapshot{}, false, fmt.Errorf("разбор снимка: %w", err)
	}
	return snap, true, nil
}

// SaveSnapshot сохраняет снимок на ttl.
func (s *RedisSnapshots) SaveSnapshot(ctx context.Context, snap domain.UsageSnapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("сериализация снимка: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
