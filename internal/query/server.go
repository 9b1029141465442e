// Package query implements spec component I: a read-only HTTP view
// over the App Engine's instances and the Callback Register's
// registrations, grounded on the teacher's internal/api/server.go
// route-table and http.Server timeout conventions, bound to 0.0.0.0
// per the Environment clause.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"habitat/internal/callback"
	"habitat/internal/engine"
)

// Server exposes / (a route listing), /health, /api/apps, and
// /api/callbacks (optionally filtered by ?app_name=).
type Server struct {
	eng    *engine.Engine
	logger *zap.Logger
	server *http.Server
}

// NewServer constructs the query server bound to 0.0.0.0:port.
func NewServer(eng *engine.Engine, logger *zap.Logger, port int) *Server {
	s := &Server{eng: eng, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/apps", s.handleListApps)
	mux.HandleFunc("/api/callbacks", s.handleListCallbacks)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("query: starting HTTP server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("query: server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("query: failed to shut down: %w", err)
	}
	return nil
}

// AppSummary is the JSON view of one tracked app instance.
type AppSummary struct {
	AppName   string `json:"app_name"`
	ClassName string `json:"class_name"`
	AppPath   string `json:"app_path"`
	Status    string `json:"status"`
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instances := s.eng.Instances()
	out := make([]AppSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, AppSummary{
			AppName:   inst.AppName,
			ClassName: inst.ClassName,
			AppPath:   inst.AppPath,
			Status:    inst.Status().String(),
		})
	}

	s.writeJSON(w, out)
}

// CallbackSummary is the JSON view of one callback registration.
type CallbackSummary struct {
	ID           string    `json:"id"`
	AppID        string    `json:"app_id"`
	Kind         string    `json:"kind"`
	IsRegistered bool      `json:"is_registered"`
	Description  string    `json:"description"`
	Events       []string  `json:"events,omitempty"`
	TimesCalled  int64     `json:"times_called"`
	LastCall     time.Time `json:"last_call,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func (s *Server) handleListCallbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	appName := r.URL.Query().Get("app_name")

	var regs []callback.Registration
	if appName != "" {
		regs = s.eng.Register().ListForApp(appName)
	} else {
		regs = s.eng.Register().List()
	}

	out := make([]CallbackSummary, 0, len(regs))
	for _, reg := range regs {
		cs := CallbackSummary{
			ID:           reg.ID,
			AppID:        reg.AppID,
			Kind:         reg.Kind.String(),
			IsRegistered: reg.IsRegistered,
			Description:  reg.Description,
			Events:       reg.Events,
			TimesCalled:  reg.TimesCalled,
			LastCall:     reg.LastCall,
		}
		if reg.LastError != nil {
			cs.LastError = reg.LastError.Error()
		}
		out = append(out, cs)
	}

	s.writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	endpoints := []endpoint{
		{"/health", "GET", "liveness check"},
		{"/api/apps", "GET", "list every tracked app instance and its status"},
		{"/api/callbacks", "GET", "list callback registrations, optionally filtered by ?app_name="},
	}
	s.writeJSON(w, endpoints)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("query: failed to encode response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
