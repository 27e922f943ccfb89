// Package telegram continues broadcast conversations through a Telegram bot.
//
// A conversation reference addresses a chat: UserID is the numeric chat id
// of the recipient's Telegram connection, BotID the school's connection key.
// One bot token serves every school key; BotID is only logged.
// Quick replies are rendered as a one-time reply keyboard; pressing one is
// acknowledged and the keyboard removed by the poll loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "schoolcast/internal/runtime/supervisor"
	"schoolcast/internal/transport"
	logx "schoolcast/pkg/logx"
)

const ChannelID = "telegram"

var ErrBadReference = errors.New("telegram: bad conversation reference")

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ParseMode applies to every outbound message ("", "HTML", "Markdown").
	ParseMode string
	// Offline skips the getMe handshake; sends still need a valid token.
	Offline bool
}

// Sender is the part of *tele.Bot used for delivery.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Transport struct {
	cfg    Config
	log    logx.Logger
	sender Sender
	bot    *tele.Bot // nil when built over a bare Sender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	acks atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	t := NewWithSender(cfg, b, log)
	t.bot = b
	return t, nil
}

// NewWithSender builds a send-only transport over s.
func NewWithSender(cfg Config, s Sender, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, log: log, sender: s}
}

// ContinueConversation resolves ref to a chat and runs cb against it.
func (t *Transport) ContinueConversation(ctx context.Context, appID string, ref transport.ConversationReference, cb transport.Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(ref.UserID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: user %q is not a chat id", ErrBadReference, ref.UserID)
	}
	turn := &turnContext{t: t, ref: ref, chat: tele.ChatID(chatID)}
	t.log.Trace("conversation continued",
		logx.String("app", appID),
		logx.String("bot", ref.BotID),
		logx.String("conversation", ref.ConversationID),
	)
	return cb(ctx, turn)
}

type turnContext struct {
	t    *Transport
	ref  transport.ConversationReference
	chat tele.ChatID
}

func (c *turnContext) Reference() transport.ConversationReference { return c.ref }

func (c *turnContext) SendActivity(ctx context.Context, a transport.Activity) (transport.MessageRef, error) {
	return c.t.send(ctx, c.chat, c.ref.ConversationID, a)
}

// send delivers a as exactly one message; text over the limit is truncated.
func (t *Transport) send(ctx context.Context, chat tele.ChatID, conversation string, a transport.Activity) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	opt := &tele.SendOptions{
		ParseMode:           t.cfg.ParseMode,
		DisableNotification: a.NotificationType() != transport.NotificationRegular,
	}
	if len(a.SuggestedActions) > 0 {
		opt.ReplyMarkup = quickReplies(a.SuggestedActions)
	}
	msg, err := t.sender.Send(chat, truncateText(a.Text, textLimit, t.cfg.ParseMode), opt)
	if err != nil {
		return transport.MessageRef{}, err
	}
	ref := transport.MessageRef{ConversationID: conversation}
	if msg != nil {
		ref.MessageID = strconv.Itoa(msg.ID)
	}
	return ref, nil
}

func quickReplies(actions []string) *tele.ReplyMarkup {
	row := make([]tele.ReplyButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tele.ReplyButton{Text: a})
	}
	return &tele.ReplyMarkup{
		ReplyKeyboard:   [][]tele.ReplyButton{row},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

// Acks reports how many quick replies were received since start.
func (t *Transport) Acks() uint64 { return t.acks.Load() }

// Start runs the poll loop that acknowledges quick replies. replies lists the
// accepted quick reply texts. It is a no-op for a send-only transport.
func (t *Transport) Start(ctx context.Context, replies []string) error {
	if t.bot == nil {
		return nil
	}
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = true
	t.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(t.log.With(logx.String("comp", "telegram.poll"))),
		rtsup.WithCancelOnError(false),
	)
	sup := t.sup
	t.runMu.Unlock()

	accepted := map[string]bool{}
	for _, r := range replies {
		accepted[r] = true
	}
	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		if !accepted[c.Text()] {
			return nil
		}
		t.acks.Add(1)
		return c.Send("✔", &tele.SendOptions{ReplyMarkup: &tele.ReplyMarkup{RemoveKeyboard: true}})
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	// Start can return while the context is still live; restart it.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	wasRunning := t.running
	t.running = false
	t.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Long polls may still be waiting; keep shutdown snappy.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			t.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		t.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the poll loop supervisor (nil when not running).
func (t *Transport) Supervisor() *rtsup.Supervisor {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.sup
}
