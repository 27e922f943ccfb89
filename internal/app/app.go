// Package app wires storage, the broadcast pipeline and its trigger surfaces
// (HTTP API and daypart scheduler) into one process and keeps them in step
// with the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"schoolcast/internal/audience"
	"schoolcast/internal/broadcast"
	"schoolcast/internal/channel"
	"schoolcast/internal/config"
	"schoolcast/internal/dispatch"
	"schoolcast/internal/eventbus"
	"schoolcast/internal/httpapi"
	"schoolcast/internal/lease"
	rtsup "schoolcast/internal/runtime/supervisor"
	"schoolcast/internal/scheduler"
	"schoolcast/internal/school"
	"schoolcast/internal/storage"
	"schoolcast/internal/transport"
	"schoolcast/internal/transport/metrics"
	"schoolcast/internal/transport/telegram"
	logx "schoolcast/pkg/logx"
)

// Options overrides parts of the file config.
type Options struct {
	// Fixture is a YAML fixture loaded after storage opens; it takes
	// precedence over storage.fixture.
	Fixture string
	// Transport replaces the Telegram transport (dry runs, tests).
	Transport transport.Transport
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory
	reg  *prometheus.Registry

	store   *storage.SQLite
	closers []namedCloser

	tg         *telegram.Transport // nil when a transport was injected
	replies    []string
	resolver   *audience.Resolver
	engine     *dispatch.Engine
	broadcasts *broadcast.Service
	sched      *scheduler.Service
	http       *httpapi.Server // nil when http.addr is empty
}

type namedCloser struct {
	name string
	c    io.Closer
}

func NewApp(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  root.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	if err := a.build(cfg, opt, comp); err != nil {
		a.closeAll()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opt Options, comp func(string) logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			return fmt.Errorf("storage is required: %w", err)
		}
		return err
	}
	a.store = store
	a.closers = append(a.closers, namedCloser{"storage", store})
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	fixture := strings.TrimSpace(opt.Fixture)
	if fixture == "" {
		fixture = strings.TrimSpace(cfg.Storage.Fixture)
	}
	if fixture != "" {
		if err := loadFixture(store, fixture); err != nil {
			return err
		}
		a.log.Info("fixture loaded", logx.String("path", fixture))
	}

	var leaser lease.Leaser = lease.NewLocal()
	if leaseDriver(cfg) == "redis" {
		rc, err := mapRedisLease(cfg)
		if err != nil {
			return err
		}
		dist, rdb := lease.NewRedis(rc, comp("lease"))
		a.closers = append(a.closers, namedCloser{"redis", rdb})
		leaser = dist
		a.log.Info("redis lease enabled", logx.String("addr", rc.Addr))
	}

	tr := opt.Transport
	if tr == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		tg, err := telegram.New(tc, comp("telegram"))
		if err != nil {
			return err
		}
		a.tg = tg
		tr = tg
	}
	a.replies = quickReplies(cfg)
	tr = metrics.NewTransport(telegram.ChannelID, tr, a.reg)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = dispatch.New(dc, tr, comp("dispatch"))
	a.resolver = audience.NewResolver(store, mapAudienceOptions(cfg), comp("audience"))
	mapper := channel.NewMapper(store, mapProvider(cfg), comp("channel"))

	bo, err := mapBroadcastOptions(cfg)
	if err != nil {
		return err
	}
	a.broadcasts = broadcast.New(broadcast.Deps{
		Store:      store,
		Resolver:   a.resolver,
		Mapper:     mapper,
		Dispatcher: a.engine,
		Leaser:     leaser,
		Bus:        a.bus,
	}, bo, comp("broadcast"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.scheduledBatch, comp("scheduler"))
	if err := a.sched.Validate(schedCfg); err != nil {
		return err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if hc.Addr != "" {
		a.http = httpapi.New(hc, httpapi.Deps{
			Broadcasts: a.broadcasts,
			Audit:      store,
			Store:      store,
			Tasks:      a.tasks,
			Registerer: a.reg,
			Gatherer:   a.reg,
		}, comp("http"))
	}
	return nil
}

func loadFixture(store *storage.SQLite, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fixture: %w", err)
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.LoadFixture(ctx, f); err != nil {
		return fmt.Errorf("fixture %s: %w", path, err)
	}
	return nil
}

// scheduledBatch is the scheduler trigger.
func (a *App) scheduledBatch(ctx context.Context, date time.Time, d school.Daypart) error {
	res, err := a.broadcasts.SendDaypart(ctx, date, d, broadcast.TriggerSchedule)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d broadcasts failed", res.Failed, res.Total)
	}
	return nil
}

func (a *App) tasks() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Broadcasts exposes the send service (one-shot CLI sends, tests).
func (a *App) Broadcasts() *broadcast.Service { return a.broadcasts }

// Handler returns the HTTP API handler, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.http == nil {
		return nil
	}
	return a.http.Handler()
}

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		sc, err := mapSchedulerConfig(cfg)
		if err != nil {
			return err
		}
		if err := a.sched.Validate(sc); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		_, err = mapBroadcastOptions(cfg)
		return err
	})

	if a.tg != nil && a.cfgm.Get().Telegram.Listen {
		if err := a.tg.Start(c, a.replies); err != nil {
			return err
		}
	}
	if err := a.sched.Start(c); err != nil {
		return err
	}

	bm := metrics.NewBroadcasts(a.reg)
	a.sup.Go0("metrics.broadcasts", func(c context.Context) { bm.Run(c, a.bus) })
	a.startEventLog()

	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	log := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if r, ok := e.Data.(broadcast.Result); ok {
					fields = append(fields, logx.Int64("broadcast", r.ID), logx.String("status", string(r.Status)))
				}
				log.Debug("event", fields...)
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes hot-reloadable sections into the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}
	if bo, err := mapBroadcastOptions(next); err == nil {
		a.broadcasts.Apply(bo)
	}
	a.resolver.Apply(mapAudienceOptions(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler reload failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	// Supervised tasks include the HTTP server; in-flight sends finish before
	// storage closes.
	step("supervisor", 10*time.Second, a.sup.Wait)
	a.closeAll()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.log.Warn("close failed", logx.String("name", nc.name), logx.Err(err))
		}
	}
	a.closers = nil
}
