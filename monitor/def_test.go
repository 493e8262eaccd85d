package monitor

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInference(t *testing.T) {
	ObserveInference("yolov5", 20*time.Millisecond, nil)
	ObserveInference("yolov5", 30*time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(inferenceTotal.WithLabelValues("yolov5", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(inferenceTotal.WithLabelValues("yolov5", "error")))
}

func TestObserveApproval(t *testing.T) {
	ObserveApproval(true, nil)
	ObserveApproval(false, errors.New("disk full"))
	assert.Equal(t, 1.0, testutil.ToFloat64(approvalsTotal.WithLabelValues("approved", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(approvalsTotal.WithLabelValues("not-approved", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTP("/health/", 200)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_requests_total{code="200",route="/health/"} 1`)
}

func TestStartMonStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartMon(ctx, 10*time.Millisecond) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("StartMon did not return after cancel")
	}
	assert.Greater(t, testutil.ToFloat64(memUsage), 0.0)
}
