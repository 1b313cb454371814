package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/pinrpc"
	"github.com/glimte/pinrpc/config"
	"github.com/glimte/pinrpc/dispatch"
	"github.com/glimte/pinrpc/health"
	"github.com/glimte/pinrpc/internal/memamqp"
	"github.com/glimte/pinrpc/pin"
)

func fixed(name string, status health.Status) health.Checker {
	return health.NewCheckerFunc(name, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := health.NewRegistry().Check(context.Background())
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := health.NewRegistry()
		r.Register(fixed("a", health.StatusHealthy))
		r.Register(fixed("b", health.StatusDegraded))
		assert.Equal(t, health.StatusDegraded, r.Check(context.Background()).Status)

		r.Register(fixed("c", health.StatusUnhealthy))
		report := r.Check(context.Background())
		assert.Equal(t, health.StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "b", report.Checks["b"].Name)

		r.Unregister("c")
		assert.Equal(t, []string{"a", "b"}, r.Names())
	})

	t.Run("slow checks time out", func(t *testing.T) {
		r := health.NewRegistry()
		block := make(chan struct{})
		defer close(block)
		r.Register(health.NewCheckerFunc("slow", func(context.Context) health.CheckResult {
			<-block
			return health.CheckResult{Status: health.StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})
}

func TestActorChecker(t *testing.T) {
	b := memamqp.New()
	cfg := config.Merge(config.Default(),
		config.WithURL("amqp://memory"),
		config.WithListenPins(pin.MustParse("role:create")))
	l, err := pinrpc.NewListener(dispatch.NewRouter(), cfg, pinrpc.WithDialer(b.Dialer()))
	require.NoError(t, err)

	c := health.NewActorChecker("listener", l)
	assert.Equal(t, health.StatusDegraded, c.Check(context.Background()).Status)

	require.NoError(t, l.Listen(context.Background()))
	result := c.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Equal(t, "seneca.role:create", result.Details["queue"])

	require.NoError(t, l.Close())
	assert.Equal(t, health.StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, health.StatusHealthy, health.NewRuntimeChecker(1<<20, 1<<21).Check(context.Background()).Status)
	assert.Equal(t, health.StatusUnhealthy, health.NewRuntimeChecker(0, 0).Check(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	r := health.NewRegistry()
	r.Register(fixed("a", health.StatusHealthy))
	h := health.NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)

	r.Register(fixed("b", health.StatusUnhealthy))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
