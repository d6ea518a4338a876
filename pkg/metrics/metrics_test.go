package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("weight", OutcomeSuccess))
	rowsBefore := testutil.ToFloat64(rowsChangedTotal.WithLabelValues("weight"))
	failBefore := testutil.ToFloat64(operationsTotal.WithLabelValues("weight", OutcomeFailure))

	ObserveOperation("weight", time.Now(), 3, nil)
	ObserveOperation("weight", time.Now(), 5, errors.New("boom"))

	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("weight", OutcomeSuccess)))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(operationsTotal.WithLabelValues("weight", OutcomeFailure)))
	assert.Equal(t, rowsBefore+3, testutil.ToFloat64(rowsChangedTotal.WithLabelValues("weight")),
		"failed operations change no rows")
}

func TestJobGauge(t *testing.T) {
	before := testutil.ToFloat64(jobsRunning)
	JobStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(jobsRunning))
	JobFinished("import", "succeeded")
	assert.Equal(t, before, testutil.ToFloat64(jobsRunning))
	assert.GreaterOrEqual(t, testutil.ToFloat64(jobsTotal.WithLabelValues("import", "succeeded")), 1.0)
}

func TestObserveHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/health", "503"))
	ObserveHTTPRequest("/health", 503)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/health", "503")))
}
