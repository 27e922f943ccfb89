package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolcast/internal/eventbus"
	"schoolcast/internal/transport"
)

func TestTransportRecordsStatus(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	next := transport.TransportFunc(func(ctx context.Context, appID string, ref transport.ConversationReference, cb transport.Callback) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	reg := prometheus.NewRegistry()
	tr := NewTransport("telegram", next, reg)
	ref := transport.ConversationReference{ChannelID: "telegram", UserID: "1"}

	require.NoError(t, tr.ContinueConversation(context.Background(), "app", ref, nil))
	require.ErrorIs(t, tr.ContinueConversation(context.Background(), "app", ref, nil), boom)

	assert.Equal(t, 2.0, testutil.ToFloat64(tr.sendTotal.WithLabelValues("telegram", "telegram")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.sendStatus.WithLabelValues("telegram", "telegram", statusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.sendStatus.WithLabelValues("telegram", "telegram", statusError)))
}

func TestTransportCancelledStatus(t *testing.T) {
	next := transport.TransportFunc(func(ctx context.Context, appID string, ref transport.ConversationReference, cb transport.Callback) error {
		return context.DeadlineExceeded
	})
	tr := NewTransport("t", next, prometheus.NewRegistry())
	_ = tr.ContinueConversation(context.Background(), "app", transport.ConversationReference{ChannelID: "c"}, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.sendStatus.WithLabelValues("t", "c", statusCancelled)))
}

func TestBroadcastsCountsEvents(t *testing.T) {
	bus := eventbus.New()
	b := NewBroadcasts(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, bus)
		close(done)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.BroadcastSucceeded})
		return testutil.ToFloat64(b.events.WithLabelValues(eventbus.BroadcastSucceeded)) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
