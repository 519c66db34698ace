// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes transfer jobs over a REST API with WebSocket
// progress streaming. It drives the same engine as the CLI: downloads
// land in the server's content store, uploads publish server-local
// folders, and the cache endpoints inspect and bound the store.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// serverVersion is reported by the health endpoint and the WebSocket
// greeting.
const serverVersion = "0.9.0"

// Config holds server configuration.
type Config struct {
	Addr              string
	Port              int
	Token             string   // hub access token
	CacheDir          string   // content store root (not configurable via API)
	Endpoint          string   // custom hub base URL (e.g., for mirrors)
	MaxActive         int      // concurrent file downloads per job
	UploadConcurrency int      // concurrent object uploads per job
	AllowedOrigins    []string // CORS origins
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "0.0.0.0",
		Port:              8080,
		CacheDir:          "hub-cache",
		MaxActive:         4,
		UploadConcurrency: 4,
	}
}

// Server is the hubsync job server.
type Server struct {
	config     Config
	httpServer *http.Server
	jobs       *JobManager
	wsHub      *WSHub
	wsUpgrader websocket.Upgrader
}

// New creates a new server with the given configuration.
func New(cfg Config) *Server {
	wsHub := NewWSHub()
	s := &Server{
		config: cfg,
		jobs:   NewJobManager(cfg, wsHub),
		wsHub:  wsHub,
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Server starting on http://%s", addr)
	log.Printf("   API:   http://localhost:%d/api", s.config.Port)
	log.Printf("   Cache: %s", s.config.CacheDir)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Transfers
	mux.HandleFunc("POST /api/download", s.handleStartDownload)
	mux.HandleFunc("POST /api/upload", s.handleStartUpload)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)

	// Settings
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	// Plan (dry-run)
	mux.HandleFunc("POST /api/plan", s.handlePlan)

	// Cache
	mux.HandleFunc("GET /api/cache", s.handleCacheList)
	mux.HandleFunc("POST /api/cache/verify", s.handleCacheVerify)
	mux.HandleFunc("POST /api/cache/evict", s.handleCacheEvict)
	mux.HandleFunc("DELETE /api/cache/{kind}/{owner}/{name}", s.handleCacheClear)

	// WebSocket
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// handleIndex identifies the service for clients probing the root.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "hubsync",
		"version": serverVersion,
		"api":     "/api",
	})
}

// originAllowed reports whether the given Origin header value may use
// the API. An empty allow-list permits any origin; non-browser clients
// send no Origin at all and are always allowed.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
