package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/engine"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

type noopApp struct{}

func (noopApp) Initialize() error { return nil }
func (noopApp) Finalize() error   { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	dispatch := func(fn func()) { fn() }
	sched := scheduler.New(mc, time.UTC, dispatch, func(string, error) {})
	mgr := cache.NewManager(zap.NewNop())
	classes := engine.NewAppClassRegistry()
	require.NoError(t, classes.Register(engine.ClassInfo{
		ClassName: "demo",
		Factory:   func(*app.Capabilities) (app.App, error) { return noopApp{}, nil },
	}))
	loggerFor := func(string, string) *zap.Logger { return zap.NewNop() }
	eng := engine.New(classes, &wire.Client{}, mgr, sched, mc, time.UTC, loggerFor, false)
	require.NoError(t, eng.RegisterApp(engine.Registration{AppName: "app1", ClassName: "demo", AppPath: "a.yaml"}))

	return NewServer(eng, zap.NewNop(), 0)
}

func doGet(t *testing.T, handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// TestListApps covers the introspection surface (spec component I):
// every running instance is visible with its current status.
func TestListApps(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(t, s.handleListApps, "/api/apps")

	assert.Equal(t, http.StatusOK, rec.Code)
	var apps []AppSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "app1", apps[0].AppName)
	assert.Equal(t, "RUNNING", apps[0].Status)
}

// TestListCallbacksFiltersByAppName covers the ?app_name= filter.
func TestListCallbacksFiltersByAppName(t *testing.T) {
	s := newTestServer(t)

	_, err := s.eng.Register().AddScheduler("app1", "demo job", func(string) (func(), error) {
		return func() {}, nil
	})
	require.NoError(t, err)

	rec := doGet(t, s.handleListCallbacks, "/api/callbacks?app_name=app1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var regs []CallbackSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regs))
	require.Len(t, regs, 1)
	assert.Equal(t, "app1", regs[0].AppID)

	rec = doGet(t, s.handleListCallbacks, "/api/callbacks?app_name=nonexistent")
	regs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regs))
	assert.Empty(t, regs)
}

// TestHealthEndpoint covers the liveness check.
func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(t, s.handleHealth, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

// TestSitemapRejectsUnknownPaths covers the 404 branch of the root
// route.
func TestSitemapRejectsUnknownPaths(t *testing.T) {
	s := newTestServer(t)

	rec := doGet(t, s.handleSitemap, "/not-a-real-path")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doGet(t, s.handleSitemap, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
}
