package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob возвращается для незарегистрированной задачи.
var ErrUnknownJob = errors.New("schedule: неизвестная задача")

// Job описывает периодическую задачу опроса.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// JobState описывает состояние задачи для админки.
type JobState struct {
	Name     string        `json:"name"`
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Next     *time.Time    `json:"next,omitempty"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	enabled bool
	// running переживает Disable/Enable, у которых cron-запись новая.
	running atomic.Bool
}

// Scheduler запускает задачи по интервалу через cron. Тик, который ещё выполняется,
// не перекрывается следующим; в часы тишины тики пропускаются.
type Scheduler struct {
	cron  *cron.Cron
	quiet QuietHours
	now   func() time.Time
	log   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*entry
	ctx  context.Context
}

// NewScheduler создаёт планировщик.
func NewScheduler(quiet QuietHours, logger zerolog.Logger) *Scheduler {
	cl := cronLogger{log: logger}
	loc := quiet.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		quiet: quiet,
		now:   time.Now,
		log:   logger,
		jobs:  make(map[string]*entry),
		ctx:   context.Background(),
	}
}

// Register добавляет задачу в выключенном состоянии.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("schedule: задача без имени или функции")
	}
	if job.Interval < time.Second {
		return fmt.Errorf("schedule: интервал %s меньше секунды", job.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("schedule: задача %s уже зарегистрирована", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job}
	return nil
}

// Enable включает задачу. Повторное включение ничего не меняет.
func (s *Scheduler) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.enabled {
		return nil
	}
	spec := "@every " + e.job.Interval.String()
	id, err := s.cron.AddFunc(spec, func() { s.tick(name) })
	if err != nil {
		return fmt.Errorf("schedule: добавление %s: %w", name, err)
	}
	e.id = id
	e.enabled = true
	s.log.Info().Str("job", name).Str("spec", spec).Msg("schedule: задача включена")
	return nil
}

// Disable выключает задачу. Выполняющийся тик не прерывается.
func (s *Scheduler) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.enabled {
		return nil
	}
	s.cron.Remove(e.id)
	e.enabled = false
	s.log.Info().Str("job", name).Msg("schedule: задача выключена")
	return nil
}

// Enabled сообщает, включена ли задача.
func (s *Scheduler) Enabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	return ok && e.enabled
}

// States возвращает состояния задач по имени.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for name, e := range s.jobs {
		st := JobState{Name: name, Enabled: e.enabled, Interval: e.job.Interval}
		if e.enabled {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				st.Next = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start запускает cron. Задачи получают ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop останавливает cron и возвращает контекст, завершающийся после текущих тиков.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunNow выполняет тик задачи синхронно с учётом часов тишины.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.tick(name)
	return nil
}

func (s *Scheduler) tick(name string) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.quiet.Contains(s.now()) {
		s.log.Debug().Str("job", name).Msg("schedule: часы тишины, тик пропущен")
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		s.log.Debug().Str("job", name).Msg("schedule: предыдущий тик ещё выполняется, пропущен")
		return
	}
	defer e.running.Store(false)
	e.job.Run(ctx)
}

// cronLogger передаёт журнал cron в zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
