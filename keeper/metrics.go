package keeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes used as the "outcome" label.
const (
	outcomeSuccess      = "success"
	outcomeAuthFailure  = "auth_failure"
	outcomeMissingToken = "missing_token"
	outcomeTransient    = "transient"
	outcomeDiscarded    = "discarded"
)

// Metrics are the Prometheus collectors of a controller. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RefreshTotal     *prometheus.CounterVec
	RetriesScheduled prometheus.Counter
	LogoutsTotal     *prometheus.CounterVec
	NextRefresh      prometheus.Gauge
}

// NewMetrics registers the keeper collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_keeper_refresh_total",
			Help: "Total number of refresh attempts, by outcome.",
		}, []string{"outcome"}),
		RetriesScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "session_keeper_retries_scheduled_total",
			Help: "Total number of retries scheduled after transient refresh failures.",
		}),
		LogoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_keeper_logouts_total",
			Help: "Total number of forced logouts, by reason.",
		}, []string{"reason"}),
		NextRefresh: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_keeper_next_refresh_seconds",
			Help: "Delay until the currently armed refresh fires.",
		}),
	}
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.RetriesScheduled.Inc()
}

func (m *Metrics) logout(reason string) {
	if m == nil {
		return
	}
	m.LogoutsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) armed(d time.Duration) {
	if m == nil {
		return
	}
	m.NextRefresh.Set(d.Seconds())
}
