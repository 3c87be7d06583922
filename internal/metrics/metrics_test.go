package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))

	m.ContainerCreated("python:3.10-alpine")
	m.ContainerCreated("python:3.10-alpine")
	m.ContainerRemoved()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.containersActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.containersCreated.WithLabelValues("python:3.10-alpine")))

	m.ImagePulled("node:16-alpine", nil)
	m.ImagePulled("node:16-alpine", errors.New("denied"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.imagePulls.WithLabelValues("node:16-alpine", "error")))

	m.ExecutionFinished("python", "exited", 300*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("python", "exited")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.ContainerCreated("x")
		m.ExecutionFinished("python", "failed", 0)
		m.ImagePulled("x", nil)
		m.CleanupFailed("workspace")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.CleanupFailed("container")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `runbox_cleanup_errors_total{resource="container"} 1`)
}
