// Package dispatch fans one broadcast out to its conversation address pairs.
//
// Every pair opens (or continues) the conversation identified by its
// composite key and runs the delivery callback with the broadcast text passed
// in explicitly. Pairs run on a bounded worker pool; with one worker the
// fan-out is strictly sequential.
//
// # Failure semantics
//
// The first failed pair cancels the pairs that have not started yet. All
// failures are collected into Outcome.Err, so a caller always sees an
// aggregate signal and never a silent partial delivery.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"schoolcast/internal/channel"
	"schoolcast/internal/delivery"
	"schoolcast/internal/transport"
	logx "schoolcast/pkg/logx"
)

type Config struct {
	AppID      string
	ChannelID  string
	ServiceURL string

	Workers     int
	RatePerSec  int
	SendTimeout time.Duration

	Delivery delivery.Options
}

// Outcome summarizes one fan-out.
type Outcome struct {
	Attempted int
	Delivered int
	Failed    int
	Skipped   int
	// Err aggregates every pair failure (and cancellation); nil when all pairs
	// were delivered.
	Err error
}

func (o Outcome) OK() bool { return o.Err == nil }

// PairError is the failure of one pair.
type PairError struct {
	Pair channel.Pair
	Err  error
}

func (e *PairError) Error() string { return fmt.Sprintf("pair %s: %v", e.Pair, e.Err) }
func (e *PairError) Unwrap() error { return e.Err }

type Engine struct {
	mu sync.Mutex

	cfg       Config
	transport transport.Transport
	limiter   *rate.Limiter
	log       logx.Logger
}

func New(cfg Config, tr transport.Transport, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{transport: tr, log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps the engine config; in-flight fan-outs keep the config they
// started with.
func (e *Engine) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Reference builds the conversation reference for p.
func (e *Engine) Reference(p channel.Pair) transport.ConversationReference {
	cfg, _ := e.snapshot()
	return reference(cfg, p)
}

func reference(cfg Config, p channel.Pair) transport.ConversationReference {
	return transport.ConversationReference{
		ChannelID:      cfg.ChannelID,
		ServiceURL:     cfg.ServiceURL,
		BotID:          p.Sender,
		UserID:         p.Recipient,
		ConversationID: p.ConversationKey(),
	}
}

// Dispatch delivers message to every pair.
func (e *Engine) Dispatch(ctx context.Context, pairs []channel.Pair, message string) Outcome {
	cfg, lim := e.snapshot()
	if len(pairs) == 0 {
		return Outcome{}
	}

	var (
		mu   sync.Mutex
		out  Outcome
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	start := time.Now()
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				out.Skipped++
				mu.Unlock()
				return nil
			}
			if lim != nil {
				if err := lim.Wait(gctx); err != nil {
					mu.Lock()
					out.Skipped++
					mu.Unlock()
					return nil
				}
			}

			mu.Lock()
			out.Attempted++
			mu.Unlock()

			err := e.deliver(gctx, cfg, p, message)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed++
				errs = multierror.Append(errs, &PairError{Pair: p, Err: err})
				e.log.Warn("delivery failed", logx.String("conversation", p.ConversationKey()), logx.Err(err))
				return err
			}
			out.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	if out.Skipped > 0 && errs == nil && ctx.Err() != nil {
		errs = multierror.Append(errs, ctx.Err())
	}
	out.Err = errs.ErrorOrNil()

	e.log.Debug("dispatch finished",
		logx.Int("pairs", len(pairs)),
		logx.Int("delivered", out.Delivered),
		logx.Int("failed", out.Failed),
		logx.Int("skipped", out.Skipped),
		logx.Duration("took", time.Since(start)),
	)
	return out
}

func (e *Engine) deliver(ctx context.Context, cfg Config, p channel.Pair, message string) error {
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}
	cb := delivery.Announcement(message, cfg.Delivery)
	return e.transport.ContinueConversation(ctx, cfg.AppID, reference(cfg, p), cb)
}
