// Package metrics decorates a conversation transport with Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"schoolcast/internal/transport"
)

const (
	statusOK        = "ok"
	statusError     = "error"
	statusCancelled = "cancelled"
)

// Transport records one sample per continued conversation.
type Transport struct {
	next         transport.Transport
	name         string
	sendTotal    *prometheus.CounterVec
	sendStatus   *prometheus.CounterVec
	sendDuration *prometheus.SummaryVec
}

// NewTransport wraps next and registers its collectors on reg.
func NewTransport(name string, next transport.Transport, reg prometheus.Registerer) *Transport {
	t := &Transport{
		next: next,
		name: name,
		sendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transport_send_total",
				Help: "Conversations continued per transport and channel.",
			},
			[]string{"transport", "channel"},
		),
		sendStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transport_send_status_total",
				Help: "Conversation results per transport, channel and status.",
			},
			[]string{"transport", "channel", "status"},
		),
		sendDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "transport_send_duration_seconds",
				Help:       "Time spent continuing one conversation.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
				MaxAge:     5 * time.Minute,
			},
			[]string{"transport", "channel", "status"},
		),
	}
	reg.MustRegister(t.sendTotal, t.sendStatus, t.sendDuration)
	return t
}

func (t *Transport) ContinueConversation(ctx context.Context, appID string, ref transport.ConversationReference, cb transport.Callback) error {
	start := time.Now()
	t.sendTotal.WithLabelValues(t.name, ref.ChannelID).Inc()

	err := t.next.ContinueConversation(ctx, appID, ref, cb)

	status := statusOK
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = statusCancelled
	case err != nil:
		status = statusError
	}
	t.sendStatus.WithLabelValues(t.name, ref.ChannelID, status).Inc()
	t.sendDuration.WithLabelValues(t.name, ref.ChannelID, status).Observe(time.Since(start).Seconds())
	return err
}
