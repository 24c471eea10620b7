package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.PullSecretRequest("ok")
	rec.PullSecretRequest("ok")
	rec.CredentialCreated("quay", SourceFresh)
	rec.CredentialDeleted("quay")
	rec.LockContention()
	rec.RotationTransition("completed")
	rec.PoolUnassigned("partner", 42)
	rec.AdapterError("quay", "unavailable")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.pullSecretRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.credentialsCreated.WithLabelValues("quay", SourceFresh)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.lockContention))
	assert.Equal(t, 42.0, testutil.ToFloat64(rec.poolUnassigned.WithLabelValues("partner")))

	expected := `
# HELP regcreds_adapter_errors_total Registry adapter failures by registry and error kind.
# TYPE regcreds_adapter_errors_total counter
regcreds_adapter_errors_total{kind="unavailable",registry="quay"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "regcreds_adapter_errors_total"))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder

	assert.NotPanics(t, func() {
		rec.PullSecretRequest("ok")
		rec.CredentialCreated("quay", SourcePool)
		rec.CredentialDeleted("quay")
		rec.LockContention()
		rec.RotationTransition("failed")
		rec.PoolUnassigned("partner", 1)
		rec.AdapterError("quay", "rejected")
	})
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) }, "duplicate registration must fail loudly")
}
