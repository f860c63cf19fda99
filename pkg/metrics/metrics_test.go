package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm/relay"
)

// counterValue returns the value of the counter family name with the given labels
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if want, ok := labels[l.GetName()]; ok && want != l.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestAfterConfirm(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	require.NoError(t, m.afterConfirm(anysender.ConfirmResultContext{
		Deposit:      &anysender.DepositResult{Required: true, Deposited: true},
		Confirmation: &anysender.ConfirmationRecord{SubmissionBlock: 100, ConfirmedBlock: 105},
		Duration:     90 * time.Second,
	}))
	require.NoError(t, m.afterConfirm(anysender.ConfirmResultContext{
		Confirmation: &anysender.ConfirmationRecord{SubmissionBlock: 200, ConfirmedBlock: 201},
	}))

	assert.Equal(t, 2.0, counterValue(t, reg, "anysender_tickets_total", map[string]string{"result": "confirmed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "anysender_deposits_total", nil))
	assert.Equal(t, uint64(2), histogramCount(t, reg, "anysender_confirmation_latency_blocks"))
}

func TestTicketFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	timeout := anysender.NewRelayError(anysender.ErrCodeConfirmationTimeout, anysender.StepConfirm, "gave up", nil)
	require.NoError(t, m.ticketFailed(anysender.TicketFailureContext{Step: anysender.StepConfirm, Error: timeout}))
	require.NoError(t, m.ticketFailed(anysender.TicketFailureContext{Step: anysender.StepConfirm, Error: timeout}))
	require.NoError(t, m.ticketFailed(anysender.TicketFailureContext{Step: anysender.StepSubmit, Error: errors.New("boom")}))

	assert.Equal(t, 2.0, counterValue(t, reg, "anysender_tickets_total",
		map[string]string{"result": anysender.ErrCodeConfirmationTimeout, "step": anysender.StepConfirm}))
	assert.Equal(t, 1.0, counterValue(t, reg, "anysender_tickets_total",
		map[string]string{"result": "unknown", "step": anysender.StepSubmit}))
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	for _, state := range []relay.WatchState{relay.StateSubmitted, relay.StatePolling, relay.StatePolling, relay.StateConfirmed} {
		m.Observe(relay.Transition{State: state})
	}

	assert.Equal(t, 2.0, counterValue(t, reg, "anysender_watcher_transitions_total", map[string]string{"state": "polling"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "anysender_watcher_transitions_total", map[string]string{"state": "confirmed"}))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.Deposits.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "anysender_deposits_total 1")
}

func TestInstrument(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	client := anysender.NewClient()
	assert.Same(t, client, m.Instrument(client))
}
