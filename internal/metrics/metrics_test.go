package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObservers(t *testing.T) {
	before := testutil.ToFloat64(normalizationFailuresTotal.WithLabelValues("TIMESTAMP_ERROR"))
	ObserveNormalizationFailure("TIMESTAMP_ERROR")
	assert.Equal(t, before+1, testutil.ToFloat64(normalizationFailuresTotal.WithLabelValues("TIMESTAMP_ERROR")))

	before = testutil.ToFloat64(signalsIngestedTotal.WithLabelValues(OutcomeDuplicate))
	ObserveSignalIngested(true)
	assert.Equal(t, before+1, testutil.ToFloat64(signalsIngestedTotal.WithLabelValues(OutcomeDuplicate)))

	before = testutil.ToFloat64(graphVerificationsTotal.WithLabelValues("structural", OutcomeInvalid))
	ObserveGraphVerification("structural", false)
	assert.Equal(t, before+1, testutil.ToFloat64(graphVerificationsTotal.WithLabelValues("structural", OutcomeInvalid)))

	before = testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("kafka", OutcomeError))
	ObserveEventDelivery("kafka", errors.New("broker down"))
	assert.Equal(t, before+1, testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("kafka", OutcomeError)))
}

func TestObserveOrchestration(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	ObserveOrchestration(-time.Second, nil)
	ObserveOrchestration(20*time.Millisecond, errors.New("gate failed"))

	count, err := testutil.GatherAndCount(reg, "steward_orchestration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
