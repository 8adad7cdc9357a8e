package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/domain"
	"specforge/internal/orchestrator"
)

func TestRecorderCountsCallsByOutcome(t *testing.T) {
	r := New()
	r.Call("chat", time.Second, nil)
	r.Call("chat", time.Second, errors.New("down"))
	r.Call("chat", time.Second, fmt.Errorf("wrapped: %w", context.DeadlineExceeded))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.calls.WithLabelValues("chat", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.calls.WithLabelValues("chat", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.calls.WithLabelValues("chat", "timeout")))
}

func TestRecorderTransitionsAndBuilds(t *testing.T) {
	r := New()
	r.Transition(orchestrator.StateIdle, orchestrator.StateChoosingMode)
	r.BuildFinished(domain.BuildJob{Status: domain.JobCompleted}, 3*time.Second)
	r.SessionOpened()
	r.SessionOpened()
	r.SessionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("idle", "choosing_mode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.builds.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeSessions))
}

func TestHandlerExposesRegistry(t *testing.T) {
	r := New()
	r.Call("finalize", time.Millisecond, nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `specforge_collaborator_calls_total{op="finalize",status="success"} 1`))
}
