package applog

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitat/internal/config"
)

func TestBuildFallsBackToStreamForUnconfiguredLogger(t *testing.T) {
	b := NewBuilder(&config.Config{})
	logger, err := b.Build("apps")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestBuildRejectsUnknownHandler(t *testing.T) {
	b := NewBuilder(&config.Config{
		Loggers: map[string]config.LoggerConfig{
			"apps": {LogLevel: "info", Handlers: []string{"carrier-pigeon"}},
		},
	})
	_, err := b.Build("apps")
	require.Error(t, err)
}

func TestBuildFileHandlerRequiresConfig(t *testing.T) {
	b := NewBuilder(&config.Config{
		Loggers: map[string]config.LoggerConfig{
			"apps": {LogLevel: "info", Handlers: []string{"file"}},
		},
	})
	_, err := b.Build("apps")
	require.Error(t, err)
}

func TestBuildFileHandlerWritesToConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.log")
	b := NewBuilder(&config.Config{
		FileHandler: &config.FileHandlerConfig{Path: path},
		Loggers: map[string]config.LoggerConfig{
			"apps": {LogLevel: "info", Handlers: []string{"file"}},
		},
	})
	logger, err := b.Build("apps")
	require.NoError(t, err)

	logger.Info("hello")
	logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestBuildForAppNamespacesLogger(t *testing.T) {
	b := NewBuilder(&config.Config{})
	logger, err := b.BuildForApp("apps", "kitchen_lights")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

// TestHTTPJSONCorePostsBatchedRecordWithBasicAuth covers the
// http-json handler's delivery path, grounded on domovoy's
// JsonHttpHandler batching one record per POST with basic auth.
func TestHTTPJSONCorePostsBatchedRecordWithBasicAuth(t *testing.T) {
	received := make(chan []map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
		assert.Equal(t, wantAuth, r.Header.Get("Authorization"))

		var body []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBuilder(&config.Config{
		HTTPJSONHandler: &config.HTTPJSONHandlerConfig{URL: srv.URL, Username: "user", Password: "pass"},
		Loggers: map[string]config.LoggerConfig{
			"apps": {LogLevel: "info", Handlers: []string{"http-json"}},
		},
	})
	logger, err := b.Build("apps")
	require.NoError(t, err)

	logger.Info("dispatch event")

	select {
	case body := <-received:
		require.Len(t, body, 1)
		assert.Equal(t, "dispatch event", body[0]["message"])
	case <-time.After(2 * time.Second):
		t.Fatal("http-json handler never posted the record")
	}
}

func TestHTTPJSONCoreRequiresConfig(t *testing.T) {
	b := NewBuilder(&config.Config{
		Loggers: map[string]config.LoggerConfig{
			"apps": {LogLevel: "info", Handlers: []string{"http-json"}},
		},
	})
	_, err := b.Build("apps")
	require.Error(t, err)
}
