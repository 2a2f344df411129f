package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradewire/internal/gateway"
	"tradewire/internal/middleware"
	"tradewire/internal/models"
	"tradewire/internal/queue"
	"tradewire/internal/registry"
	"tradewire/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router       *mux.Router
	logger       *logrus.Logger
	cfg          *models.Config
	gw           *gateway.Gateway
	queue        *queue.Queue
	orchestrator *service.Orchestrator
	registry     *registry.Registry
	server       *http.Server
}

func NewServer(cfg *models.Config, gw *gateway.Gateway, q *queue.Queue, orchestrator *service.Orchestrator, reg *registry.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		logger:       logger,
		cfg:          cfg,
		gw:           gw,
		queue:        q,
		orchestrator: orchestrator,
		registry:     reg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// The websocket endpoint skips the HTTP middleware; hijacked connections
	// cannot go through the response wrapper.
	s.router.HandleFunc("/ws", s.gw.HandleWS)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(middleware.Observability(s.logger))

	api.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	admin.HandleFunc("/queue/dead", s.handleDeadLetters()).Methods(http.MethodGet)
	admin.HandleFunc("/queue/dead", s.handleClearDeadLetters()).Methods(http.MethodDelete)
	admin.HandleFunc("/presence/{userID}", s.handlePresence()).Methods(http.MethodGet)
	admin.HandleFunc("/notifications/{userID}", s.handleNotifications()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Error("Failed to write health response")
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
