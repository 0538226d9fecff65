package taskqueue

import (
	"log"

	"github.com/hibiken/asynq"
)

// Worker consumes dispatch tasks from Redis and executes them.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewWorker wires the task handlers to their dependencies.
func NewWorker(redisAddr string, store scheduleStore, runner actionRunner) *Worker {
	h := &handlers{store: store, runner: runner}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeScheduleDispatch, h.handleScheduleDispatch)
	mux.HandleFunc(TypeActionDispatch, h.handleActionDispatch)
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{Concurrency: 10})
	return &Worker{srv: srv, mux: mux}
}

// Run blocks processing tasks until Stop is called.
func (w *Worker) Run() error {
	log.Printf("TASKQUEUE: Workers started, waiting for tasks...")
	return w.srv.Run(w.mux)
}

// Stop shuts the worker down, waiting for in-flight tasks.
func (w *Worker) Stop() {
	log.Printf("TASKQUEUE: Stopping workers...")
	w.srv.Stop()
	w.srv.Shutdown()
}
