package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolcast/internal/channel"
	"schoolcast/internal/delivery"
	"schoolcast/internal/transport"
	logx "schoolcast/pkg/logx"
)

type turn struct {
	ref transport.ConversationReference
	rec *recorder
}

func (t turn) Reference() transport.ConversationReference { return t.ref }

func (t turn) SendActivity(ctx context.Context, a transport.Activity) (transport.MessageRef, error) {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	if err := t.rec.fail[t.ref.UserID]; err != nil {
		return transport.MessageRef{}, err
	}
	t.rec.sent = append(t.rec.sent, sentActivity{ref: t.ref, activity: a})
	return transport.MessageRef{ConversationID: t.ref.ConversationID}, nil
}

type sentActivity struct {
	ref      transport.ConversationReference
	activity transport.Activity
}

type recorder struct {
	mu   sync.Mutex
	sent []sentActivity
	fail map[string]error
	apps []string
}

func (r *recorder) transport() transport.Transport {
	return transport.TransportFunc(func(ctx context.Context, appID string, ref transport.ConversationReference, cb transport.Callback) error {
		r.mu.Lock()
		r.apps = append(r.apps, appID)
		r.mu.Unlock()
		return cb(ctx, turn{ref: ref, rec: r})
	})
}

func pairs(recipients ...string) []channel.Pair {
	out := make([]channel.Pair, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, channel.Pair{Recipient: r, Sender: "bot"})
	}
	return out
}

func testConfig() Config {
	return Config{AppID: "app-1", ChannelID: "telegram", ServiceURL: "https://api.telegram.org/", Workers: 1}
}

func TestDispatchDeliversEveryPair(t *testing.T) {
	rec := &recorder{}
	e := New(testConfig(), rec.transport(), logx.Nop())

	out := e.Dispatch(context.Background(), pairs("1", "2", "3"), "school closed")
	require.True(t, out.OK())
	assert.Equal(t, Outcome{Attempted: 3, Delivered: 3}, out)

	require.Len(t, rec.sent, 3)
	first := rec.sent[0]
	assert.Equal(t, transport.ConversationReference{
		ChannelID:      "telegram",
		ServiceURL:     "https://api.telegram.org/",
		BotID:          "bot",
		UserID:         "1",
		ConversationID: "1:1-bot",
	}, first.ref)
	assert.Equal(t, delivery.DefaultLabel+"school closed", first.activity.Text)
	assert.Equal(t, []string{"app-1", "app-1", "app-1"}, rec.apps)
}

func TestDispatchFirstFailureSkipsRest(t *testing.T) {
	boom := errors.New("blocked")
	rec := &recorder{fail: map[string]error{"2": boom}}
	e := New(testConfig(), rec.transport(), logx.Nop())

	out := e.Dispatch(context.Background(), pairs("1", "2", "3"), "msg")
	require.False(t, out.OK())
	assert.Equal(t, 2, out.Attempted)
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Skipped)
	assert.ErrorIs(t, out.Err, boom)

	var pe *PairError
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, "2", pe.Pair.Recipient)
}

func TestDispatchCancelledContext(t *testing.T) {
	rec := &recorder{}
	e := New(testConfig(), rec.transport(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.Dispatch(ctx, pairs("1", "2"), "msg")
	assert.Equal(t, 2, out.Skipped)
	assert.Zero(t, out.Attempted)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, rec.sent)
}

func TestDispatchNoPairs(t *testing.T) {
	e := New(testConfig(), (&recorder{}).transport(), logx.Nop())
	out := e.Dispatch(context.Background(), nil, "msg")
	assert.True(t, out.OK())
	assert.Equal(t, Outcome{}, out)
}

func TestConcurrentDispatchesKeepTheirMessage(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.Workers = 4
	e := New(cfg, rec.transport(), logx.Nop())

	var wg sync.WaitGroup
	for _, m := range []string{"alpha", "beta"} {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps := pairs(m+"-1", m+"-2", m+"-3")
			out := e.Dispatch(context.Background(), ps, m)
			assert.True(t, out.OK())
		}()
	}
	wg.Wait()

	require.Len(t, rec.sent, 6)
	for _, s := range rec.sent {
		want := delivery.DefaultLabel + s.ref.UserID[:len(s.ref.UserID)-2]
		assert.Equal(t, want, s.activity.Text)
	}
}

func TestApplyDefaults(t *testing.T) {
	e := New(Config{RatePerSec: 5}, (&recorder{}).transport(), logx.Nop())
	cfg, lim := e.snapshot()
	assert.Equal(t, 1, cfg.Workers)
	require.NotNil(t, lim)

	e.Apply(Config{Workers: 3})
	cfg, lim = e.snapshot()
	assert.Equal(t, 3, cfg.Workers)
	assert.Nil(t, lim)
}
