// Package server provides the HTTP server and routing for the trading bot.
// It is a read-mostly operations surface: status, lifecycle, schedule, ledger
// views, and the control flag endpoints the scheduler reacts to.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	ledgerhandlers "github.com/aristath/tradebook/internal/modules/ledger/handlers"
	"github.com/aristath/tradebook/internal/modules/mapping"
	"github.com/aristath/tradebook/internal/utils"
)

// Config holds server configuration.
type Config struct {
	Log    zerolog.Logger
	Tree   *identity.Tree
	State  *lifecycle.Store
	Flags  *lifecycle.Flags
	Status *lifecycle.StatusWriter
	Ledger *ledger.Engine
	Table  *mapping.Table // nil when the mapping layer is not installed
	Port   int
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	tree   *identity.Tree
	state  *lifecycle.Store
	flags  *lifecycle.Flags
	status *lifecycle.StatusWriter
	ledger *ledger.Engine
	table  *mapping.Table
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		tree:   cfg.Tree,
		state:  cfg.State,
		flags:  cfg.Flags,
		status: cfg.Status,
		ledger: cfg.Ledger,
		table:  cfg.Table,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Get("/status/ws", s.handleStatusWS)
		r.Get("/schedule", s.handleGetSchedule)
		r.Get("/lifecycle", s.handleGetLifecycle)
		r.Get("/sync/last", s.handleGetLastSync)
		r.Get("/mapping", s.handleGetMapping)

		// Control flags are presence files; raising one here is exactly
		// equivalent to an operator touching the file over SSH.
		r.Route("/control", func(r chi.Router) {
			r.Post("/start", s.handleControl(domain.FlagStart))
			r.Post("/stop", s.handleControl(domain.FlagStop))
			r.Post("/kill", s.handleControl(domain.FlagKill))
		})

		logHandlers := NewLogHandlers(s.log, s.tree.LogsDir())
		r.Route("/system", func(r chi.Router) {
			r.Get("/logs", logHandlers.HandleGetLogs)
			r.Get("/logs/list", logHandlers.HandleListLogs)
		})

		if s.ledger != nil {
			ledgerHandler := ledgerhandlers.NewHandler(s.ledger, s.log)
			ledgerHandler.RegisterRoutes(r)
		}
	})
}

// handleHealth reports liveness plus the bot identity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"identity": s.tree.Identity().String(),
		"time":     time.Now().Format(time.RFC3339),
	})
}

// handleGetStatus returns the merged status document.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.status.Read()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read status document")
		http.Error(w, "Failed to read status document", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": doc,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleGetSchedule returns the schedule the supervisor computed for today.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	var sched domain.JSONValue
	if err := utils.ReadJSONFile(s.tree.ScheduleFile(), &sched); err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "No schedule computed yet", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("Failed to read schedule file")
		http.Error(w, "Failed to read schedule file", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": sched,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleGetLifecycle returns the state token, the control flags, and recent
// transition history.
func (s *Server) handleGetLifecycle(w http.ResponseWriter, r *http.Request) {
	state, err := s.state.Read()
	if err != nil {
		// An unknown token is still worth showing; the error explains it.
		s.log.Warn().Err(err).Msg("Lifecycle token did not validate")
	}

	history, err := s.state.History(20)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read state history")
		http.Error(w, "Failed to read state history", http.StatusInternalServerError)
		return
	}

	flags := map[string]bool{}
	for _, flag := range []domain.ControlFlag{
		domain.FlagStart, domain.FlagStop, domain.FlagKill, domain.FlagTestMode,
	} {
		flags[string(flag)] = s.flags.IsSet(flag)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"state":   state,
			"flags":   flags,
			"history": history,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleGetLastSync returns the summary of the most recent broker sync run.
func (s *Server) handleGetLastSync(w http.ResponseWriter, r *http.Request) {
	var result domain.JSONValue
	if err := utils.ReadJSONFile(s.tree.SyncResultFile(), &result); err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "No sync run recorded yet", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("Failed to read sync result")
		http.Error(w, "Failed to read sync result", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleGetMapping exports the live mapping table.
func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	if s.table == nil {
		http.Error(w, "Mapping table not installed", http.StatusNotFound)
		return
	}

	export, err := s.table.ExportRows()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to export mapping table")
		http.Error(w, "Failed to export mapping table", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": export,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleControl raises one control flag. The scheduler consumes the flag on
// its next poll, so the response is 202 rather than 200.
func (s *Server) handleControl(flag domain.ControlFlag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.flags.Raise(flag); err != nil {
			s.log.Error().Err(err).Str("flag", string(flag)).Msg("Failed to raise control flag")
			http.Error(w, "Failed to raise control flag", http.StatusInternalServerError)
			return
		}

		s.log.Info().Str("flag", string(flag)).Msg("Control flag raised via API")
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"data": map[string]interface{}{
				"flag":   string(flag),
				"raised": true,
			},
			"metadata": map[string]interface{}{
				"timestamp": time.Now().Format(time.RFC3339),
			},
		})
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
