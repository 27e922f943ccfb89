package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"schoolcast/internal/eventbus"
)

// Broadcasts counts lifecycle events published on the bus.
type Broadcasts struct {
	events *prometheus.CounterVec
}

func NewBroadcasts(reg prometheus.Registerer) *Broadcasts {
	b := &Broadcasts{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_events_total",
				Help: "Broadcast lifecycle events by type.",
			},
			[]string{"event"},
		),
	}
	reg.MustRegister(b.events)
	return b
}

// Run consumes bus events until ctx is done.
func (b *Broadcasts) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.events.WithLabelValues(e.Type).Inc()
		}
	}
}
