// Package metrics records credential lifecycle metrics in Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "regcreds"

// Credential creation sources.
const (
	SourceFresh    = "fresh"
	SourcePool     = "pool"
	SourceRotation = "rotation"
)

// Recorder holds the service's collectors. A nil *Recorder records nothing,
// so services can run without metrics in tests and CLI passes.
type Recorder struct {
	pullSecretRequests  *prometheus.CounterVec
	credentialsCreated  *prometheus.CounterVec
	credentialsDeleted  *prometheus.CounterVec
	lockContention      prometheus.Counter
	rotationTransitions *prometheus.CounterVec
	poolUnassigned      *prometheus.GaugeVec
	adapterErrors       *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		pullSecretRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_secret_requests_total",
			Help:      "Pull secret generation requests by result.",
		}, []string{"result"}),
		credentialsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_created_total",
			Help:      "Credentials bound to an owner or added to a pool, by registry and source.",
		}, []string{"registry", "source"}),
		credentialsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_deleted_total",
			Help:      "Credentials deleted by registry.",
		}, []string{"registry"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that timed out waiting for another holder.",
		}),
		rotationTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_transitions_total",
			Help:      "Rotation request state transitions by new status.",
		}, []string{"status"}),
		poolUnassigned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_unassigned",
			Help:      "Unassigned pool credentials by registry as of the last pool pass.",
		}, []string{"registry"}),
		adapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Registry adapter failures by registry and error kind.",
		}, []string{"registry", "kind"}),
	}
}

// PullSecretRequest counts a generation request with result "ok" or an error kind.
func (r *Recorder) PullSecretRequest(result string) {
	if r == nil {
		return
	}
	r.pullSecretRequests.WithLabelValues(result).Inc()
}

// CredentialCreated counts a credential obtained from source.
func (r *Recorder) CredentialCreated(registry, source string) {
	if r == nil {
		return
	}
	r.credentialsCreated.WithLabelValues(registry, source).Inc()
}

// CredentialDeleted counts a deleted credential.
func (r *Recorder) CredentialDeleted(registry string) {
	if r == nil {
		return
	}
	r.credentialsDeleted.WithLabelValues(registry).Inc()
}

// LockContention counts a lock wait that timed out.
func (r *Recorder) LockContention() {
	if r == nil {
		return
	}
	r.lockContention.Inc()
}

// RotationTransition counts a rotation request entering status.
func (r *Recorder) RotationTransition(status string) {
	if r == nil {
		return
	}
	r.rotationTransitions.WithLabelValues(status).Inc()
}

// PoolUnassigned sets the unassigned pool size for registry.
func (r *Recorder) PoolUnassigned(registry string, n int) {
	if r == nil {
		return
	}
	r.poolUnassigned.WithLabelValues(registry).Set(float64(n))
}

// AdapterError counts a registry adapter failure.
func (r *Recorder) AdapterError(registry, kind string) {
	if r == nil {
		return
	}
	r.adapterErrors.WithLabelValues(registry, kind).Inc()
}
