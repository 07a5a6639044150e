package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/domain"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("start_process", "PROCESS_ALREADY_ACTIVE"))
	ObserveOperation("start_process", time.Now(), domain.ProcessAlreadyActiveError{Type: "site-assessment"})
	after := testutil.ToFloat64(operationsTotal.WithLabelValues("start_process", "PROCESS_ALREADY_ACTIVE"))
	assert.Equal(t, before+1, after)

	before = testutil.ToFloat64(operationsTotal.WithLabelValues("start_process", "UNKNOWN"))
	ObserveOperation("start_process", time.Now(), errors.New("disk full"))
	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("start_process", "UNKNOWN")))
}

func TestRecordStateChange(t *testing.T) {
	c := domain.StateChange{Dimension: domain.DimensionLifecyclePhase, Trigger: domain.TriggerManual}
	before := testutil.ToFloat64(stateChangesTotal.WithLabelValues("lifecyclePhase", "manual"))
	RecordStateChange(c)
	assert.Equal(t, before+1, testutil.ToFloat64(stateChangesTotal.WithLabelValues("lifecyclePhase", "manual")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordWebhookDelivery(nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "propline_webhooks_deliveries_total"))
}
