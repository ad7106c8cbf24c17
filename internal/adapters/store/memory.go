package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tg-relay-bot/internal/domain"
)

const snapshotKey = "usage_snapshot"

// MemorySnapshots хранит снимок использования ключей в памяти процесса.
type MemorySnapshots struct {
	cache *gocache.Cache
}

var _ domain.SnapshotStore = (*MemorySnapshots)(nil)

// NewMemorySnapshots создаёт хранилище снимков с периодической очисткой просроченных записей.
func NewMemorySnapshots(cleanup time.Duration) *MemorySnapshots {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemorySnapshots{cache: gocache.New(gocache.NoExpiration, cleanup)}
}

// LoadSnapshot возвращает сохранённый снимок, если он не истёк.
func (m *MemorySnapshots) LoadSnapshot(_ context.Context) (domain.UsageSnapshot, bool, error) {
	v, ok := m.cache.Get(snapshotKey)
	if !ok {
		return domain.UsageSnapshot{}, false, nil
	}
	snap, ok := v.(domain.UsageSnapshot)
	if !ok {
		return domain.UsageSnapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

// SaveSnapshot сохраняет копию снимка на ttl.
func (m *MemorySnapshots) SaveSnapshot(_ context.Context, snap domain.UsageSnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(snapshotKey, cloneSnapshot(snap), ttl)
	return nil
}

func cloneSnapshot(snap domain.UsageSnapshot) domain.UsageSnapshot {
	out := snap
	out.Slots = append([]domain.KeySlot(nil), snap.Slots...)
	return out
}
