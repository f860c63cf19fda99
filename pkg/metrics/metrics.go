// Package metrics exports relay client activity as prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/relay"
)

const namespace = "anysender"

var (
	latencyBuckets  = []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 410}
	durationBuckets = prometheus.ExponentialBuckets(5, 2, 12)
)

// Metrics groups the relay client collectors.
type Metrics struct {
	// Tickets counts finished tickets by result ("confirmed" or an error code) and step
	Tickets *prometheus.CounterVec
	// LatencyBlocks is the number of blocks between submission and execution
	LatencyBlocks prometheus.Histogram
	// TicketSeconds is the wall time of a ticket, deposit included
	TicketSeconds prometheus.Histogram
	// Deposits counts on-chain deposits that reached the required confirmations
	Deposits prometheus.Counter
	// WatcherTransitions counts watcher state transitions by state
	WatcherTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Relayed tickets by outcome.",
		}, []string{"result", "step"}),
		LatencyBlocks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_latency_blocks",
			Help:      "Blocks between submission and the execution event.",
			Buckets:   latencyBuckets,
		}),
		TicketSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ticket_duration_seconds",
			Help:      "Wall time from deposit check to confirmation.",
			Buckets:   durationBuckets,
		}),
		Deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "On-chain deposits made to the relay contract.",
		}),
		WatcherTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_transitions_total",
			Help:      "Confirmation watcher state transitions.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.Tickets, m.LatencyBlocks, m.TicketSeconds, m.Deposits, m.WatcherTransitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Instrument registers hooks on client that feed the collectors
func (m *Metrics) Instrument(client *anysender.Client) *anysender.Client {
	return client.
		OnAfterConfirm(m.afterConfirm).
		OnTicketFailure(m.ticketFailed)
}

// Observe is a watcher observer
func (m *Metrics) Observe(t relay.Transition) {
	m.WatcherTransitions.WithLabelValues(string(t.State)).Inc()
}

func (m *Metrics) afterConfirm(ctx anysender.ConfirmResultContext) error {
	m.Tickets.WithLabelValues("confirmed", "").Inc()
	m.LatencyBlocks.Observe(float64(ctx.Confirmation.Latency()))
	m.TicketSeconds.Observe(ctx.Duration.Seconds())
	if ctx.Deposit != nil && ctx.Deposit.Deposited {
		m.Deposits.Inc()
	}
	return nil
}

func (m *Metrics) ticketFailed(ctx anysender.TicketFailureContext) error {
	code := anysender.CodeOf(ctx.Error)
	if code == "" {
		code = "unknown"
	}
	m.Tickets.WithLabelValues(code, ctx.Step).Inc()
	if ctx.Partial != nil && ctx.Partial.Deposit != nil && ctx.Partial.Deposit.Deposited {
		m.Deposits.Inc()
	}
	return nil
}

// Handler serves the collectors of g in the prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
