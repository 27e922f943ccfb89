// Package broadcast drives one broadcast (or a scheduled batch of them)
// through resolution, mapping and dispatch while keeping its status
// consistent.
//
// A send runs under a per-broadcast lease and starts with an atomic status
// transition into Processing that is persisted before any delivery. Every
// exit path after that transition persists a terminal status, so a record is
// never left in Processing by this process.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"schoolcast/internal/audience"
	"schoolcast/internal/channel"
	"schoolcast/internal/dispatch"
	"schoolcast/internal/eventbus"
	"schoolcast/internal/lease"
	"schoolcast/internal/school"
	"schoolcast/internal/storage"
	logx "schoolcast/pkg/logx"
)

// Store is the persistence the service needs.
type Store interface {
	FindBroadcast(ctx context.Context, id int64) (school.Broadcast, error)
	FindBySchedule(ctx context.Context, date time.Time, daypart school.Daypart) ([]school.Broadcast, error)
	CompareAndSetStatus(ctx context.Context, id int64, from []school.Status, to school.Status) (bool, error)
	Finalize(ctx context.Context, id int64, to school.Status, sentAt *time.Time) (bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Resolver interface {
	Resolve(ctx context.Context, v school.Visibility, rule school.Audience, scope audience.Scope) ([]int64, error)
}

type Mapper interface {
	Map(ctx context.Context, schoolID int64, users []int64) ([]channel.Pair, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, pairs []channel.Pair, message string) dispatch.Outcome
}

// Trigger names what started a send.
type Trigger string

const (
	TriggerSingle   Trigger = "single"
	TriggerDaypart  Trigger = "daypart"
	TriggerSchedule Trigger = "schedule"
)

// Result describes one send attempt.
type Result struct {
	ID         int64
	Trigger    Trigger
	Status     school.Status
	Skipped    bool
	Reason     SkipReason
	Recipients int
	Pairs      int
	Outcome    dispatch.Outcome
	Took       time.Duration
}

// BatchResult summarizes a daypart trigger. Completed counts the broadcasts
// whose send returned without error, including no-op skips.
type BatchResult struct {
	Date      time.Time
	Daypart   school.Daypart
	Total     int
	Completed int
	Failed    int
	Results   []Result
}

type Deps struct {
	Store      Store
	Resolver   Resolver
	Mapper     Mapper
	Dispatcher Dispatcher
	Leaser     lease.Leaser
	Bus        eventbus.Bus
}

type Options struct {
	// FinalizeTimeout bounds the terminal status write, which runs even when
	// the trigger's context is already cancelled.
	FinalizeTimeout time.Duration
}

type Service struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu  sync.RWMutex
	opt Options
}

func New(deps Deps, opt Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Leaser == nil {
		deps.Leaser = lease.NewLocal()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	s := &Service{deps: deps, log: log, now: time.Now}
	s.Apply(opt)
	return s
}

func (s *Service) Apply(opt Options) {
	if opt.FinalizeTimeout <= 0 {
		opt.FinalizeTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.opt = opt
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opt
}

// Send triggers broadcast id. force re-sends a Succeeded or Cancelled record.
//
// A trigger that the state machine turns into a no-op returns a skipped
// Result and a nil error.
func (s *Service) Send(ctx context.Context, id int64, force bool) (Result, error) {
	b, err := s.deps.Store.FindBroadcast(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{ID: id, Trigger: TriggerSingle}, err
		}
		return Result{ID: id, Trigger: TriggerSingle}, &SendError{Kind: KindPersistence, ID: id, Err: err}
	}
	return s.send(ctx, b, force, TriggerSingle)
}

// SendDaypart sends every broadcast scheduled for the date and daypart.
// Broadcasts are processed in order and independently: a failure never stops
// the rest of the batch.
func (s *Service) SendDaypart(ctx context.Context, date time.Time, daypart school.Daypart, trigger Trigger) (BatchResult, error) {
	if trigger == "" {
		trigger = TriggerDaypart
	}
	out := BatchResult{Date: date, Daypart: daypart}
	list, err := s.deps.Store.FindBySchedule(ctx, date, daypart)
	if err != nil {
		return out, &SendError{Kind: KindPersistence, Err: fmt.Errorf("schedule search: %w", err)}
	}
	out.Total = len(list)

	for _, b := range list {
		if ctx.Err() != nil {
			break
		}
		res, err := s.send(ctx, b, false, trigger)
		out.Results = append(out.Results, res)
		if err != nil {
			out.Failed++
			s.log.Warn("batch item failed", logx.Int64("broadcast", b.ID), logx.Err(err))
			continue
		}
		out.Completed++
	}

	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.BatchFinished, Data: out})
	s.log.Info("daypart batch finished",
		logx.String("date", date.Format("2006-01-02")),
		logx.String("daypart", string(daypart)),
		logx.Int("total", out.Total),
		logx.Int("completed", out.Completed),
		logx.Int("failed", out.Failed),
	)
	return out, ctx.Err()
}

func (s *Service) send(ctx context.Context, b school.Broadcast, force bool, trigger Trigger) (Result, error) {
	res := Result{ID: b.ID, Trigger: trigger, Status: b.Status}
	log := s.log.With(logx.Int64("broadcast", b.ID), logx.String("trigger", string(trigger)))

	d := Decide(b, force)
	if !d.Proceed {
		return s.skip(log, res, d.Reason), nil
	}

	release, err := s.deps.Leaser.Acquire(ctx, strconv.FormatInt(b.ID, 10))
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			res.Status = school.StatusProcessing
			return s.skip(log, res, SkipLeaseHeld), nil
		}
		return res, &SendError{Kind: KindPersistence, ID: b.ID, Err: fmt.Errorf("lease: %w", err)}
	}
	defer release()

	ok, err := s.deps.Store.CompareAndSetStatus(ctx, b.ID, d.From, school.StatusProcessing)
	if err != nil {
		return res, &SendError{Kind: KindPersistence, ID: b.ID, Err: fmt.Errorf("mark processing: %w", err)}
	}
	if !ok {
		if cur, err := s.deps.Store.FindBroadcast(ctx, b.ID); err == nil {
			res.Status = cur.Status
		}
		return s.skip(log, res, SkipRaceLost), nil
	}
	res.Status = school.StatusProcessing
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastProcessing, Data: res})

	start := s.now()
	res, runErr := s.run(ctx, b, res)
	res.Took = s.now().Sub(start)

	if runErr != nil {
		return s.fail(ctx, log, b, res, runErr)
	}

	sentAt := s.now()
	if err := s.finalize(ctx, b.ID, school.StatusSucceeded, &sentAt); err != nil {
		res.Status = school.StatusProcessing
		s.audit(ctx, log, res, err)
		return res, &SendError{Kind: KindPersistence, ID: b.ID, Err: err}
	}
	res.Status = school.StatusSucceeded
	s.audit(ctx, log, res, nil)
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastSucceeded, Data: res})
	log.Info("broadcast sent",
		logx.Int("recipients", res.Recipients),
		logx.Int("pairs", res.Pairs),
		logx.Duration("took", res.Took),
	)
	return res, nil
}

// run resolves, maps and dispatches b. Any error is a *SendError.
func (s *Service) run(ctx context.Context, b school.Broadcast, res Result) (Result, error) {
	users, err := s.deps.Resolver.Resolve(ctx, b.Visibility, b.Audience, audience.Scope{SchoolID: b.SchoolID, CourseID: b.CourseID})
	if err != nil {
		return res, &SendError{Kind: KindResolution, ID: b.ID, Err: err}
	}
	res.Recipients = len(users)

	pairs, err := s.deps.Mapper.Map(ctx, b.SchoolID, users)
	if err != nil {
		return res, &SendError{Kind: KindResolution, ID: b.ID, Err: err}
	}
	res.Pairs = len(pairs)

	res.Outcome = s.deps.Dispatcher.Dispatch(ctx, pairs, b.Message)
	if !res.Outcome.OK() {
		return res, &SendError{Kind: KindTransport, ID: b.ID, Err: res.Outcome.Err}
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, log logx.Logger, b school.Broadcast, res Result, cause error) (Result, error) {
	err := cause
	if ferr := s.finalize(ctx, b.ID, school.StatusFailed, nil); ferr != nil {
		// The record may still read Processing; report both failures.
		err = &SendError{Kind: KindPersistence, ID: b.ID, Err: multierror.Append(cause, ferr)}
	} else {
		res.Status = school.StatusFailed
	}
	s.audit(ctx, log, res, err)
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastFailed, Data: res})
	log.Error("broadcast failed", logx.String("kind", KindOf(err).String()), logx.Err(err))
	return res, err
}

func (s *Service) finalize(ctx context.Context, id int64, to school.Status, sentAt *time.Time) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options().FinalizeTimeout)
	defer cancel()
	ok, err := s.deps.Store.Finalize(fctx, id, to, sentAt)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	if !ok {
		return fmt.Errorf("mark %s: %w", to, ErrStatusConflict)
	}
	return nil
}

func (s *Service) skip(log logx.Logger, res Result, reason SkipReason) Result {
	res.Skipped = true
	res.Reason = reason
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastSkipped, Data: res})
	log.Debug("broadcast skipped", logx.String("reason", string(reason)), logx.String("status", string(res.Status)))
	return res
}

// audit is best effort: a failed audit write never changes the send result.
func (s *Service) audit(ctx context.Context, log logx.Logger, res Result, sendErr error) {
	e := storage.AuditEntry{
		At:          s.now(),
		BroadcastID: res.ID,
		Trigger:     string(res.Trigger),
		Status:      string(res.Status),
		Recipients:  res.Recipients,
		Pairs:       res.Pairs,
		Delivered:   res.Outcome.Delivered,
		Failed:      res.Outcome.Failed,
		Skipped:     res.Outcome.Skipped,
		TookMS:      res.Took.Milliseconds(),
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options().FinalizeTimeout)
	defer cancel()
	if err := s.deps.Store.AppendAudit(actx, e); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}
