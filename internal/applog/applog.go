// Package applog builds the runtime's zap logging tree from the
// logging-config map (spec §6): one zapcore.Tee per configured logger
// name, combining a stream handler, an optional file handler, and an
// optional http-json handler that POSTs each record to a URL with basic
// auth, grounded on domovoy/core/logging/http_json.py's JsonHtttpHandler.
package applog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"habitat/internal/config"
)

// Builder constructs per-logger-name *zap.Logger trees from the
// runtime's parsed LoggerConfig map, replacing the teacher's one-shot
// zap.NewProduction() with a handler set per logger.
type Builder struct {
	cfg      *config.Config
	encoder  zapcore.Encoder
	levelFor map[string]zapcore.Level
}

func NewBuilder(cfg *config.Config) *Builder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	return &Builder{
		cfg:     cfg,
		encoder: zapcore.NewJSONEncoder(encCfg),
	}
}

// Build constructs the *zap.Logger for one configured logger name
// (e.g. "apps", "engine"), teeing every handler named in its
// LoggerConfig.Handlers. An unconfigured name falls back to a stream
// handler at info level.
func (b *Builder) Build(loggerName string) (*zap.Logger, error) {
	lc, ok := b.cfg.Loggers[loggerName]
	if !ok {
		lc = config.LoggerConfig{LogLevel: "info", Handlers: []string{"stream"}}
	}

	level := parseLevel(lc.LogLevel)
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level })

	var cores []zapcore.Core
	for _, handler := range lc.Handlers {
		switch handler {
		case "stream":
			cores = append(cores, zapcore.NewCore(b.encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), enabler))
		case "file":
			if b.cfg.FileHandler == nil {
				return nil, fmt.Errorf("applog: logger %q requests file handler but none is configured", loggerName)
			}
			f, err := os.OpenFile(b.cfg.FileHandler.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("applog: failed to open log file %s: %w", b.cfg.FileHandler.Path, err)
			}
			cores = append(cores, zapcore.NewCore(b.encoder, zapcore.AddSync(f), enabler))
		case "http-json":
			if b.cfg.HTTPJSONHandler == nil {
				return nil, fmt.Errorf("applog: logger %q requests http-json handler but none is configured", loggerName)
			}
			cores = append(cores, newHTTPJSONCore(*b.cfg.HTTPJSONHandler, enabler))
		default:
			return nil, fmt.Errorf("applog: logger %q names unknown handler %q", loggerName, handler)
		}
	}

	return zap.New(zapcore.NewTee(cores...)).Named(loggerName), nil
}

// BuildForApp returns loggerName's logger further namespaced with the
// app's own name, matching the spec's "formatter_with_app_name"
// distinction.
func (b *Builder) BuildForApp(loggerName, appName string) (*zap.Logger, error) {
	base, err := b.Build(loggerName)
	if err != nil {
		return nil, err
	}
	return base.Named(appName).With(zap.String("app_name", appName)), nil
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// httpJSONCore is a zapcore.Core that POSTs each record as a one-element
// JSON array to a configured URL with HTTP basic auth, fire-and-forget
// from its own goroutine so a slow/unreachable collector never blocks
// the caller (domovoy submits to a thread-pool executor for the same
// reason).
type httpJSONCore struct {
	zapcore.LevelEnabler
	encoder zapcore.Encoder
	fields  []zapcore.Field

	url        string
	authHeader string
	client     *http.Client

	mu           sync.Mutex
	lastFailure  time.Time
	failureCount int
}

func newHTTPJSONCore(cfg config.HTTPJSONHandlerConfig, enabler zapcore.LevelEnabler) *httpJSONCore {
	token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	return &httpJSONCore{
		LevelEnabler: enabler,
		encoder:      zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		url:          cfg.URL,
		authHeader:   "Basic " + token,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *httpJSONCore) With(fields []zapcore.Field) zapcore.Core {
	return &httpJSONCore{
		LevelEnabler: c.LevelEnabler,
		encoder:      c.encoder,
		fields:       append(append([]zapcore.Field{}, c.fields...), fields...),
		url:          c.url,
		authHeader:   c.authHeader,
		client:       c.client,
	}
}

func (c *httpJSONCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *httpJSONCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	record := map[string]interface{}{
		"logger_name": ent.LoggerName,
		"level":       ent.Level.String(),
		"time":        ent.Time.UTC().Format(time.RFC3339Nano),
		"message":     ent.Message,
	}
	if ent.Stack != "" {
		record["exception"] = map[string]interface{}{"trace": ent.Stack}
	}

	go c.post(record)
	return nil
}

func (c *httpJSONCore) post(record map[string]interface{}) {
	body, err := json.Marshal([]map[string]interface{}{record})
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure()
		return
	}
	resp.Body.Close()
}

// noteFailure rate-limits the "can't reach log collector" complaint to
// once a minute, mirroring http_json.py's last_exception/exception_count
// throttle.
func (c *httpJSONCore) noteFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.lastFailure.IsZero() || now.Sub(c.lastFailure) >= time.Minute {
		fmt.Fprintf(os.Stderr, "applog: failed to submit logs to %s (%d failures since last report)\n", c.url, c.failureCount)
		c.lastFailure = now
		c.failureCount = 0
		return
	}
	c.failureCount++
}

func (c *httpJSONCore) Sync() error { return nil }
