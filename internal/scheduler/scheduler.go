// Package scheduler fires daypart batch sends on cron schedules.
//
// Each configured daypart gets one cron entry. When it fires, the trigger
// receives the current calendar date in the scheduler timezone and the
// daypart. A daypart whose previous run is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"schoolcast/internal/school"
	logx "schoolcast/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Athens"; empty means local
	// Dayparts maps a daypart to its schedule (see ParseSpec).
	Dayparts map[school.Daypart]string
	// Timeout bounds one batch run; 0 means no limit.
	Timeout time.Duration
}

// TriggerFunc runs one daypart batch.
type TriggerFunc func(ctx context.Context, date time.Time, daypart school.Daypart) error

// Entry describes a registered daypart schedule.
type Entry struct {
	Daypart school.Daypart
	Spec    string
	Next    time.Time
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	trigger TriggerFunc
	parser  cron.Parser

	c       *cron.Cron
	loc     *time.Location
	ctx     context.Context
	entries map[school.Daypart]cron.EntryID
	running map[school.Daypart]*atomic.Bool
	specs   map[school.Daypart]string
}

func New(cfg Config, trigger TriggerFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		trigger: trigger,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[school.Daypart]cron.EntryID{},
		running: map[school.Daypart]*atomic.Bool{},
		specs:   map[school.Daypart]string{},
	}
}

// Validate checks every schedule and the timezone without registering them.
func (s *Service) Validate(cfg Config) error {
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
	}
	for d, raw := range cfg.Dayparts {
		if _, err := school.ParseDaypart(string(d)); err != nil {
			return err
		}
		spec, err := ParseSpec(raw)
		if err != nil {
			return fmt.Errorf("daypart %s: %w", d, err)
		}
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("daypart %s: %w", d, err)
		}
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the configured dayparts and starts cron. ctx is the parent
// of every triggered run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	s.loc = loc
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	s.entries = map[school.Daypart]cron.EntryID{}
	s.specs = map[school.Daypart]string{}

	for _, d := range sortedDayparts(s.cfg.Dayparts) {
		if err := s.addLocked(d, s.cfg.Dayparts[d]); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("dayparts", len(s.entries)))
	return nil
}

func (s *Service) addLocked(d school.Daypart, raw string) error {
	spec, err := ParseSpec(raw)
	if err != nil {
		return fmt.Errorf("daypart %s: %w", d, err)
	}
	flag, ok := s.running[d]
	if !ok {
		flag = &atomic.Bool{}
		s.running[d] = flag
	}
	id, err := s.c.AddFunc(spec.Cron, func() { s.fire(d, flag) })
	if err != nil {
		return fmt.Errorf("daypart %s: %w", d, err)
	}
	s.entries[d] = id
	s.specs[d] = spec.Cron
	s.log.Debug("daypart registered", logx.String("daypart", string(d)), logx.String("spec", spec.Cron))
	return nil
}

func (s *Service) fire(d school.Daypart, running *atomic.Bool) {
	if !running.CompareAndSwap(false, true) {
		s.log.Warn("daypart still running, skipped", logx.String("daypart", string(d)))
		return
	}
	defer running.Store(false)

	s.mu.Lock()
	parent, loc, timeout := s.ctx, s.loc, s.cfg.Timeout
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	s.run(ctx, time.Now().In(loc), d)
}

// run invokes the trigger for the calendar date of now.
func (s *Service) run(ctx context.Context, now time.Time, d school.Daypart) {
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := time.Now()
	err := s.trigger(ctx, date, d)
	fields := []logx.Field{
		logx.String("daypart", string(d)),
		logx.String("date", date.Format("2006-01-02")),
		logx.Duration("took", time.Since(start)),
	}
	if err != nil {
		s.log.Error("daypart run failed", append(fields, logx.Err(err))...)
		return
	}
	s.log.Info("daypart run finished", fields...)
}

// Apply swaps the config and re-registers every daypart when cron is running.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.c
	s.cfg = cfg
	s.c = nil
	var err error
	if cfg.Enabled && s.ctx != nil {
		err = s.startLocked()
	}
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	return err
}

// Stop stops cron and waits for running triggers or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Entries lists registered dayparts with their next fire time.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, d := range sortedKeys(s.entries) {
		e := s.c.Entry(s.entries[d])
		out = append(out, Entry{Daypart: d, Spec: s.specs[d], Next: e.Next})
	}
	return out
}

func sortedDayparts(m map[school.Daypart]string) []school.Daypart {
	out := make([]school.Daypart, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[school.Daypart]cron.EntryID) []school.Daypart {
	out := make([]school.Daypart, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cronLogger routes cron's internal logging (panics in jobs) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
