package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
)

const defaultFreshness = 15 * time.Minute

// Options настраивает менеджер ротации.
type Options struct {
	// Slots перечисляет имена слотов в порядке приоритета.
	Slots     []string
	Checker   domain.UsageChecker
	Store     domain.SnapshotStore
	Freshness time.Duration
	// SwitchOnDemand разрешает повтор запроса на следующем слоте после 429.
	SwitchOnDemand bool
	Clock          func() time.Time
	Logger         zerolog.Logger
}

// Manager отслеживает использование ключей и выбирает активный.
type Manager struct {
	mu             sync.Mutex
	order          []string
	slots          map[string]domain.KeySlot
	active         string
	takenAt        time.Time
	exhausted      bool
	checker        domain.UsageChecker
	store          domain.SnapshotStore
	freshness      time.Duration
	switchOnDemand bool
	now            func() time.Time
	log            zerolog.Logger
	listeners      []func(domain.UsageSnapshot)
}

// NewManager создаёт менеджер. Слоты стартуют в состоянии unchecked.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.Slots) == 0 {
		return nil, errors.New("rotation: не задано ни одного ключа")
	}
	if opts.Checker == nil {
		return nil, errors.New("rotation: не задан UsageChecker")
	}
	if opts.Freshness <= 0 {
		opts.Freshness = defaultFreshness
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		slots:          make(map[string]domain.KeySlot, len(opts.Slots)),
		checker:        opts.Checker,
		store:          opts.Store,
		freshness:      opts.Freshness,
		switchOnDemand: opts.SwitchOnDemand,
		now:            opts.Clock,
		log:            opts.Logger,
	}
	for _, name := range opts.Slots {
		if _, dup := m.slots[name]; dup {
			return nil, fmt.Errorf("rotation: слот %s указан дважды", name)
		}
		m.order = append(m.order, name)
		m.slots[name] = domain.KeySlot{Name: name, Status: domain.KeyStatusUnchecked}
	}
	return m, nil
}

// OnExhausted регистрирует обработчик перехода в состояние «все ключи исчерпаны».
func (m *Manager) OnExhausted(fn func(domain.UsageSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot возвращает текущее состояние без внешних вызовов.
func (m *Manager) Snapshot() domain.UsageSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CheckUsage возвращает состояние ключей, при необходимости опрашивая эндпоинт использования.
// Если пригодного ключа нет, вместе со снимком возвращается domain.ErrSourceExhausted.
func (m *Manager) CheckUsage(ctx context.Context, force bool) (domain.UsageSnapshot, error) {
	if !force {
		if snap, ok := m.cachedSnapshot(ctx); ok {
			return snap, exhaustedErr(snap)
		}
	}

	results := make(map[string]domain.KeySlot, len(m.order))
	for _, name := range m.orderCopy() {
		results[name] = m.checkSlot(ctx, name)
	}

	m.mu.Lock()
	now := m.now()
	for name, checked := range results {
		prev := m.slots[name]
		if prev.Status == domain.KeyStatusRateLimited && prev.ResetAt != nil && prev.ResetAt.After(now) && checked.Status == domain.KeyStatusOK {
			checked.Status = domain.KeyStatusRateLimited
			checked.ResetAt = prev.ResetAt
		}
		m.slots[name] = checked
	}
	m.takenAt = now
	fired := m.selectLocked()
	snap := m.snapshotLocked()
	listeners := append([]func(domain.UsageSnapshot){}, m.listeners...)
	m.mu.Unlock()

	m.observe(snap)
	m.persist(ctx, snap)
	if fired {
		m.notify(listeners, snap)
	}
	return snap, exhaustedErr(snap)
}

// Do выполняет запрос с активным ключом. При 429 слот помечается rate_limited,
// и, если разрешено, запрос повторяется на следующем пригодном слоте.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, slot string) error) error {
	snap, err := m.CheckUsage(ctx, false)
	if err != nil {
		return err
	}
	slot := snap.Active
	tried := make(map[string]struct{}, len(m.order))
	for {
		tried[slot] = struct{}{}
		err := fn(ctx, slot)
		if err == nil {
			return nil
		}
		var rl *domain.RateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		m.MarkRateLimited(slot, rl.ResetAt)
		if !m.switchOnDemand {
			return err
		}
		next, ok := m.nextCandidate(tried)
		if !ok {
			return fmt.Errorf("%w: %v", domain.ErrSourceExhausted, err)
		}
		m.log.Warn().Str("from", slot).Str("to", next).Msg("rotation: 429, переключаемся на следующий ключ")
		slot = next
	}
}

// MarkRateLimited переводит слот в rate_limited и пересчитывает активный ключ.
func (m *Manager) MarkRateLimited(slot string, resetAt *time.Time) {
	m.mu.Lock()
	current, ok := m.slots[slot]
	if !ok {
		m.mu.Unlock()
		return
	}
	current.Status = domain.KeyStatusRateLimited
	current.ResetAt = resetAt
	m.slots[slot] = current
	fired := m.selectLocked()
	snap := m.snapshotLocked()
	listeners := append([]func(domain.UsageSnapshot){}, m.listeners...)
	m.mu.Unlock()

	m.log.Warn().Str("slot", slot).Msg("rotation: ключ упёрся в лимит запросов")
	m.observe(snap)
	if fired {
		m.notify(listeners, snap)
	}
}

// RecordUsage увеличивает локальный счётчик использования слота.
func (m *Manager) RecordUsage(slot string, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	current, ok := m.slots[slot]
	if !ok {
		m.mu.Unlock()
		return
	}
	current.UsageCount += n
	m.slots[slot] = current
	fired := false
	if !current.Usable() && slot == m.active {
		fired = m.selectLocked()
	}
	snap := m.snapshotLocked()
	listeners := append([]func(domain.UsageSnapshot){}, m.listeners...)
	m.mu.Unlock()

	m.observe(snap)
	if fired {
		m.notify(listeners, snap)
	}
}

// Exhausted сообщает, исчерпаны ли все ключи.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

func (m *Manager) checkSlot(ctx context.Context, name string) domain.KeySlot {
	slot := domain.KeySlot{Name: name, CheckedAt: m.now()}
	usage, err := m.checker.CheckUsage(ctx, name)
	if err != nil {
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			slot.Status = domain.KeyStatusRateLimited
			slot.ResetAt = rl.ResetAt
		} else {
			slot.Status = domain.KeyStatusError
		}
		slot.LastError = err.Error()
		m.log.Warn().Err(err).Str("slot", name).Msg("rotation: проверка ключа не удалась")
		return slot
	}
	slot.Status = domain.KeyStatusOK
	slot.UsageCount = usage.Count
	slot.UsageLimit = usage.Limit
	slot.CycleResetDay = usage.CycleResetDay
	return slot
}

// selectLocked выбирает активный слот и возвращает true при переходе в «исчерпано».
func (m *Manager) selectLocked() bool {
	for _, name := range m.order {
		if m.slots[name].Usable() {
			if m.exhausted {
				m.log.Info().Str("slot", name).Msg("rotation: ключи снова доступны")
			}
			m.active = name
			m.exhausted = false
			return false
		}
	}
	was := m.exhausted
	m.exhausted = true
	return !was
}

func (m *Manager) nextCandidate(tried map[string]struct{}) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		if _, done := tried[name]; done {
			continue
		}
		if m.slots[name].Usable() {
			return name, true
		}
	}
	return "", false
}

func (m *Manager) cachedSnapshot(ctx context.Context) (domain.UsageSnapshot, bool) {
	m.mu.Lock()
	if !m.takenAt.IsZero() && m.now().Sub(m.takenAt) < m.freshness {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, true
	}
	m.mu.Unlock()

	if m.store == nil {
		return domain.UsageSnapshot{}, false
	}
	stored, ok, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("rotation: не удалось прочитать снимок")
		return domain.UsageSnapshot{}, false
	}
	if !ok || m.now().Sub(stored.TakenAt) >= m.freshness {
		return domain.UsageSnapshot{}, false
	}

	m.mu.Lock()
	for _, slot := range stored.Slots {
		if _, known := m.slots[slot.Name]; known {
			m.slots[slot.Name] = slot
		}
	}
	m.takenAt = stored.TakenAt
	fired := m.selectLocked()
	snap := m.snapshotLocked()
	listeners := append([]func(domain.UsageSnapshot){}, m.listeners...)
	m.mu.Unlock()

	m.log.Debug().Time("taken_at", stored.TakenAt).Msg("rotation: снимок восстановлен из хранилища")
	m.observe(snap)
	if fired {
		m.notify(listeners, snap)
	}
	return snap, true
}

func (m *Manager) persist(ctx context.Context, snap domain.UsageSnapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSnapshot(ctx, snap, m.freshness); err != nil {
		m.log.Warn().Err(err).Msg("rotation: не удалось сохранить снимок")
	}
}

func (m *Manager) notify(listeners []func(domain.UsageSnapshot), snap domain.UsageSnapshot) {
	m.log.Error().Str("active", snap.Active).Msg("rotation: все ключи исчерпаны")
	for _, fn := range listeners {
		fn(snap)
	}
}

func (m *Manager) observe(snap domain.UsageSnapshot) {
	for _, slot := range snap.Slots {
		metrics.ObserveKeySlot(slot.Name, string(slot.Status), slot.UsageCount, slot.UsageLimit, slot.Name == snap.Active && !snap.Exhausted)
	}
}

func (m *Manager) snapshotLocked() domain.UsageSnapshot {
	slots := make([]domain.KeySlot, 0, len(m.order))
	for _, name := range m.order {
		slots = append(slots, m.slots[name])
	}
	return domain.UsageSnapshot{Slots: slots, Active: m.active, TakenAt: m.takenAt, Exhausted: m.exhausted}
}

func (m *Manager) orderCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func exhaustedErr(snap domain.UsageSnapshot) error {
	if snap.Exhausted {
		return fmt.Errorf("rotation: %w", domain.ErrSourceExhausted)
	}
	return nil
}
