package multiauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sign in activity across controllers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SignInAttempts   *prometheus.CounterVec
	SignInFailures   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	AvatarDownloads  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Pass nil to get unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignInAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multiauth_signin_attempts_total",
			Help: "Total number of sign in flows started",
		}, []string{"provider"}),
		SignInFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multiauth_signin_failures_total",
			Help: "Total number of failed sign in flows by error kind",
		}, []string{"provider", "error"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multiauth_state_transitions_total",
			Help: "Total number of authentication state changes reported by controllers",
		}, []string{"provider", "state"}),
		AvatarDownloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multiauth_avatar_downloads_total",
			Help: "Total number of profile picture downloads by result",
		}, []string{"provider", "result"}),
	}
}

func (m *Metrics) signInStarted(provider ProviderID) {
	if m == nil {
		return
	}
	m.SignInAttempts.WithLabelValues(string(provider)).Inc()
}

func (m *Metrics) signInFailed(provider ProviderID, err error) {
	if m == nil {
		return
	}
	m.SignInFailures.WithLabelValues(string(provider), ClassifyError(err).Name()).Inc()
}

func (m *Metrics) stateChanged(provider ProviderID, state AuthState) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(string(provider), state.String()).Inc()
}

func (m *Metrics) avatarDownloaded(provider ProviderID, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AvatarDownloads.WithLabelValues(string(provider), result).Inc()
}
