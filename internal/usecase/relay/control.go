package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/schedule"
)

var (
	// ErrUnknownSource возвращается для незарегистрированного источника.
	ErrUnknownSource = errors.New("relay: неизвестный источник")
	// ErrNoCredentials возвращается, если у социального источника нет ни одного ключа.
	ErrNoCredentials = errors.New("relay: у источника нет ключей")
	// ErrSourceDisabled возвращается при ручном запуске выключенного источника.
	ErrSourceDisabled = errors.New("relay: источник выключен")
)

// JobScheduler управляет периодическими задачами.
type JobScheduler interface {
	Register(job schedule.Job) error
	Enable(name string) error
	Disable(name string) error
	RunNow(name string) error
	States() []schedule.JobState
}

// KeyMonitor отдаёт и обновляет состояние ключей.
type KeyMonitor interface {
	Snapshot() domain.UsageSnapshot
	CheckUsage(ctx context.Context, force bool) (domain.UsageSnapshot, error)
}

// SourceState описывает состояние источника для админки.
type SourceState struct {
	Name     string            `json:"name"`
	Type     domain.SourceType `json:"type"`
	Enabled  bool              `json:"enabled"`
	Interval string            `json:"interval"`
	Next     *time.Time        `json:"next,omitempty"`
}

// Controller включает и выключает поллеры и отвечает за реакцию на исчерпание ключей.
type Controller struct {
	scheduler JobScheduler
	keys      KeyMonitor
	log       zerolog.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewController создаёт контроллер. keys может быть nil, если социальный источник не настроен.
func NewController(scheduler JobScheduler, keys KeyMonitor, logger zerolog.Logger) *Controller {
	return &Controller{scheduler: scheduler, keys: keys, log: logger, pollers: make(map[string]*Poller)}
}

// Add регистрирует поллер в планировщике в выключенном состоянии.
func (c *Controller) Add(p *Poller) error {
	if err := c.scheduler.Register(schedule.Job{Name: p.Name(), Interval: p.Source().Interval(), Run: p.Run}); err != nil {
		return err
	}
	c.mu.Lock()
	c.pollers[p.Name()] = p
	c.mu.Unlock()
	return nil
}

// Poller возвращает поллер по имени.
func (c *Controller) Poller(name string) (*Poller, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pollers[name]
	return p, ok
}

// Enable включает источник. Социальный источник включается только после
// принудительной проверки ключей, нашедшей пригодный ключ.
func (c *Controller) Enable(ctx context.Context, name string) error {
	p, ok := c.Poller(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if p.Source().Type() == domain.SourceSocial {
		if c.keys == nil {
			return ErrNoCredentials
		}
		if _, err := c.keys.CheckUsage(ctx, true); err != nil {
			return fmt.Errorf("проверка ключей перед включением: %w", err)
		}
	}
	return c.scheduler.Enable(name)
}

// Disable выключает источник.
func (c *Controller) Disable(name string) error {
	if _, ok := c.Poller(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return c.scheduler.Disable(name)
}

// RunNow запускает внеочередной тик включённого источника в фоне.
// Тик, который уже выполняется, не дублируется.
func (c *Controller) RunNow(name string) error {
	if _, ok := c.Poller(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	enabled := false
	for _, st := range c.scheduler.States() {
		if st.Name == name {
			enabled = st.Enabled
		}
	}
	if !enabled {
		return fmt.Errorf("%w: %s", ErrSourceDisabled, name)
	}
	go func() {
		if err := c.scheduler.RunNow(name); err != nil {
			c.log.Error().Err(err).Str("source", name).Msg("relay: внеочередной тик не запущен")
		}
	}()
	c.log.Info().Str("source", name).Msg("relay: внеочередной тик запущен")
	return nil
}

// HandleExhausted выключает социальные источники, когда все ключи исчерпаны.
func (c *Controller) HandleExhausted(snap domain.UsageSnapshot) {
	c.mu.Lock()
	var social []string
	for name, p := range c.pollers {
		if p.Source().Type() == domain.SourceSocial {
			social = append(social, name)
		}
	}
	c.mu.Unlock()
	for _, name := range social {
		if err := c.scheduler.Disable(name); err != nil {
			c.log.Error().Err(err).Str("source", name).Msg("relay: не удалось выключить источник")
			continue
		}
		c.log.Warn().Str("source", name).Str("active", snap.Active).Msg("relay: все ключи исчерпаны, источник выключен")
	}
}

// Sources возвращает состояние всех источников.
func (c *Controller) Sources() []SourceState {
	states := make(map[string]schedule.JobState)
	for _, st := range c.scheduler.States() {
		states[st.Name] = st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceState, 0, len(c.pollers))
	for name, p := range c.pollers {
		st := states[name]
		out = append(out, SourceState{
			Name:     name,
			Type:     p.Source().Type(),
			Enabled:  st.Enabled,
			Interval: p.Source().Interval().String(),
			Next:     st.Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Keys возвращает текущее состояние ключей без внешних вызовов.
func (c *Controller) Keys() (domain.UsageSnapshot, error) {
	if c.keys == nil {
		return domain.UsageSnapshot{}, ErrNoCredentials
	}
	return c.keys.Snapshot(), nil
}

// RefreshKeys принудительно проверяет ключи.
func (c *Controller) RefreshKeys(ctx context.Context) (domain.UsageSnapshot, error) {
	if c.keys == nil {
		return domain.UsageSnapshot{}, ErrNoCredentials
	}
	return c.keys.CheckUsage(ctx, true)
}
