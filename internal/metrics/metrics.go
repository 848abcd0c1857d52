package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// CallStateProvider exposes the live call snapshot.
type CallStateProvider interface {
	Snapshot() call.Snapshot
}

// ProviderStatusProvider exposes the SIP provider registration state.
type ProviderStatusProvider interface {
	RegistrationState() string
}

// CallLogCounter returns call log counts grouped by disposition.
type CallLogCounter interface {
	CountByType(ctx context.Context) (map[models.CallType]int64, error)
}

// ContactCounter returns the address book size.
type ContactCounter interface {
	Count(ctx context.Context) (int64, error)
}

var callStates = []call.State{call.StateIdle, call.StateRinging, call.StateActive, call.StateEnded}

// Collector is a prometheus.Collector that gathers kiosk metrics at scrape
// time.
type Collector struct {
	calls     CallStateProvider
	provider  ProviderStatusProvider
	callLog   CallLogCounter
	contacts  ContactCounter
	startTime time.Time

	callStateDesc  *prometheus.Desc
	registeredDesc *prometheus.Desc
	callsTotalDesc *prometheus.Desc
	contactsDesc   *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	calls CallStateProvider,
	provider ProviderStatusProvider,
	callLog CallLogCounter,
	contacts ContactCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		provider:  provider,
		callLog:   callLog,
		contacts:  contacts,
		startTime: startTime,

		callStateDesc: prometheus.NewDesc(
			"callkiosk_call_state",
			"Current call state (1 for the active state label)",
			[]string{"state"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"callkiosk_provider_registered",
			"SIP provider registration (1=registered, 0=other)",
			[]string{"status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callkiosk_calls_total",
			"Calls recorded in the call log by disposition",
			[]string{"type"}, nil,
		),
		contactsDesc: prometheus.NewDesc(
			"callkiosk_contacts",
			"Number of contacts in the address book",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callkiosk_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.registeredDesc
	ch <- c.callsTotalDesc
	ch <- c.contactsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		current := c.calls.Snapshot().State
		for _, st := range callStates {
			val := 0.0
			if st == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.callStateDesc, prometheus.GaugeValue, val, string(st))
		}
	}

	if c.provider != nil {
		status := c.provider.RegistrationState()
		val := 0.0
		if status == "registered" {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue, val, status)
	}

	if c.callLog != nil {
		counts, err := c.callLog.CountByType(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call log by type", "error", err)
		} else {
			for _, t := range models.CallTypes {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[t]), string(t),
				)
			}
		}
	}

	if c.contacts != nil {
		n, err := c.contacts.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count contacts", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.contactsDesc, prometheus.GaugeValue, float64(n))
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
