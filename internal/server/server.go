// Package server hosts the HTTP surface: the websocket endpoint and a
// couple of plain-HTTP conveniences.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Thioby/homeclaw-agent-sub000/internal/kernel"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
	"github.com/Thioby/homeclaw-agent-sub000/internal/realtime"
	"github.com/Thioby/homeclaw-agent-sub000/internal/websocket"
)

// Server owns the HTTP listener and the realtime hub.
type Server struct {
	kernel *kernel.Kernel
	hub    *realtime.Hub
	http   *http.Server
}

// New builds the server for a kernel.
func New(k *kernel.Kernel, listen string) *Server {
	hub := realtime.NewHub()
	api := realtime.NewAPI(k)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Minute))

	r.Get("/ws", websocket.Handler(hub, api))
	r.Get("/health", healthHandler(k))

	return &Server{
		kernel: k,
		hub:    hub,
		http: &http.Server{
			Addr:    listen,
			Handler: r,
		},
	}
}

// Run starts the hub and listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("[server] listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.hub.Stop()
	return err
}

func healthHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := k.Scheduler.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"scheduler": status,
		})
	}
}
