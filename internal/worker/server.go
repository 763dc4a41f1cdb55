// Package worker implements the job worker: one uniform
// agent-invocation handler registered against every named queue,
// dispatching into the agent registry by agentId so no per-agent handler
// registration is needed.
package worker

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/queue"
)

// Config controls the worker server's concurrency, queue weights, and
// which agent ids this process should not handle (letting a specialized
// worker share a queue without double-processing another worker's
// agents).
type Config struct {
	RedisAddr       string
	Concurrency     int
	Queues          map[string]int
	SkipAgents      []string
	ShutdownTimeout time.Duration
	HealthAddr      string
}

// DefaultConfig returns the substrate's standard three-queue weighting
// and a 30s shutdown grace window.
func DefaultConfig(redisAddr string) Config {
	return Config{
		RedisAddr:       redisAddr,
		Concurrency:     10,
		Queues:          queue.Weights,
		ShutdownTimeout: 30 * time.Second,
		HealthAddr:      ":8090",
	}
}

// Server wraps an asynq.Server plus a liveness HTTP endpoint. It carries
// no asynq.Scheduler: periodic work lives in internal/cron, which
// offers removable registration the way asynq.Scheduler itself cannot.
type Server struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *Handler
	logger  logging.Logger
	cfg     Config

	healthSrv *http.Server
	stopping  atomic.Bool
}

// NewServer builds a Server with the uniform agent-dispatch handler
// registered for TaskTypeAgentInvoke.
func NewServer(cfg Config, handler *Handler, logger logging.Logger) *Server {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency:     cfg.Concurrency,
			Queues:          cfg.Queues,
			ShutdownTimeout: cfg.ShutdownTimeout,
			RetryDelayFunc:  queue.RetryDelayFunc,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeAgentInvoke, handler.dispatch)

	s := &Server{
		server:  server,
		mux:     mux,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
	}

	s.healthSrv = &http.Server{Addr: cfg.HealthAddr, Handler: http.HandlerFunc(s.serveHealth)}

	return s
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.stopping.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("stopping"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Run blocks until ctx is cancelled, then gives the asynq server
// ShutdownTimeout to drain in-flight jobs before returning.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Run(s.mux)
	}()

	select {
	case <-ctx.Done():
		s.stopping.Store(true)
		s.server.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.healthSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
