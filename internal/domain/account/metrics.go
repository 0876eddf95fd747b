package account

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts credential outcomes. Failure outcomes use the error taxonomy
// code so label cardinality stays bounded.
type Metrics struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// NewMetrics registers the counters with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emr_auth_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emr_auth_refresh_total",
			Help: "Refresh-token exchanges by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.refreshes)
	}
	return m
}

func (m *Metrics) login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}
