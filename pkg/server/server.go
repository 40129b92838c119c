package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gocoord/config"
	"gocoord/pkg/coordination"
)

// Server wires the coordination service to its admin HTTP endpoints and
// owns graceful shutdown of both.
type Server struct {
	cfg  *config.Config
	svc  coordination.Service
	http *http.Server
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config, svc coordination.Service) *Server {
	s := &Server{cfg: cfg, svc: svc}
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down the admin server
// and stops the coordination service.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	slog.Info("coordinator admin server listening", "addr", s.http.Addr)

	select {
	case err := <-errCh:
		s.svc.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown failed", "error", err)
	}
	s.svc.Stop()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type taskStateResponse struct {
	Task  string `json:"task"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// handleTasks returns a JSON snapshot of every configured task's state.
func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	var tasks []coordination.Task
	for _, job := range s.cfg.Coordination.Jobs {
		for i := 0; i < job.NumTasks; i++ {
			tasks = append(tasks, coordination.Task{JobName: job.Name, TaskID: i})
		}
	}
	infos := s.svc.GetTaskState(tasks)
	out := make([]taskStateResponse, 0, len(infos))
	for _, info := range infos {
		resp := taskStateResponse{Task: info.Task.Name(), State: info.State.String()}
		if info.Error != nil {
			resp.Error = info.Error.Error()
		}
		out = append(out, resp)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("failed to encode task state response", "error", err)
	}
}
