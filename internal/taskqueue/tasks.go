package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"homehub/internal/db"
	"homehub/internal/models"
)

// Task types handled by the worker.
const (
	TypeScheduleDispatch = "schedule:dispatch"
	TypeActionDispatch   = "actions:dispatch"
)

// ScheduleDispatchPayload identifies the schedule to run.
type ScheduleDispatchPayload struct {
	ScheduleID int
}

// Action is one relay switch to dispatch. An empty DeviceID addresses the
// shared legacy control topic; Relay -1 means every relay of the device.
type Action struct {
	DeviceID string
	Relay    int
	State    bool
}

// ActionDispatchPayload carries actions produced outside the schedule store
// (clap toggles, custom commands, interpreter output).
type ActionDispatchPayload struct {
	Source  string
	Actions []Action
}

// Queue is the producer side. It is safe for concurrent use.
type Queue struct {
	client *asynq.Client
}

// NewQueue connects a task producer to Redis.
func NewQueue(redisAddr string) *Queue {
	return &Queue{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

// EnqueueScheduleDispatch queues one run of a schedule. The task is not
// retried: per-publish retries belong to the command guard, and a replayed
// schedule would double-fire its actions.
func (q *Queue) EnqueueScheduleDispatch(scheduleID int) error {
	payload, err := json.Marshal(ScheduleDispatchPayload{ScheduleID: scheduleID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeScheduleDispatch, payload)
	info, err := q.client.Enqueue(task, asynq.MaxRetry(0), asynq.Timeout(30*time.Second))
	if err != nil {
		log.Printf("TASKQUEUE: Failed to enqueue schedule %d: %v", scheduleID, err)
		return err
	}
	log.Printf("TASKQUEUE: Enqueued task %s for schedule %d", info.ID, scheduleID)
	return nil
}

// EnqueueActions queues a batch of relay switches.
func (q *Queue) EnqueueActions(source string, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	payload, err := json.Marshal(ActionDispatchPayload{Source: source, Actions: actions})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeActionDispatch, payload)
	info, err := q.client.Enqueue(task, asynq.MaxRetry(0), asynq.Timeout(30*time.Second))
	if err != nil {
		log.Printf("TASKQUEUE: Failed to enqueue %d actions from %s: %v", len(actions), source, err)
		return err
	}
	log.Printf("TASKQUEUE: Enqueued task %s with %d actions from %s", info.ID, len(actions), source)
	return nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// scheduleStore is the slice of the database the worker needs.
type scheduleStore interface {
	GetScheduleByID(ctx context.Context, id int) (*models.Schedule, error)
}

// actionRunner executes decoded actions against devices.
type actionRunner interface {
	RunEncoded(ctx context.Context, deviceID string, raw json.RawMessage) error
	SwitchRelay(ctx context.Context, deviceID string, relay int, on bool) error
	SwitchAll(ctx context.Context, deviceID string, on bool) error
	SwitchShared(ctx context.Context, relay int, on bool) error
}

type handlers struct {
	store  scheduleStore
	runner actionRunner
}

// handleScheduleDispatch runs every action of a schedule in order. A failed
// action is logged and skipped; the remaining actions still run.
func (h *handlers) handleScheduleDispatch(ctx context.Context, t *asynq.Task) error {
	var payload ScheduleDispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("bad %s payload: %w", t.Type(), err)
	}

	schedule, err := h.store.GetScheduleByID(ctx, payload.ScheduleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("TASKQUEUE: Schedule %d deleted before dispatch, skipping", payload.ScheduleID)
			return nil
		}
		return fmt.Errorf("load schedule %d: %w", payload.ScheduleID, err)
	}
	if !schedule.Active {
		log.Printf("TASKQUEUE: Schedule %d deactivated before dispatch, skipping", payload.ScheduleID)
		return nil
	}

	log.Printf("TASKQUEUE: Running schedule %d (%s), %d actions", schedule.ID, schedule.Name, len(schedule.Actions))
	failed := 0
	for i, action := range schedule.Actions {
		if err := h.runner.RunEncoded(ctx, action.DeviceID, action.Action); err != nil {
			failed++
			log.Printf("TASKQUEUE: Schedule %d action %d (%s) failed: %v", schedule.ID, i, action.DeviceID, err)
		}
	}
	if failed > 0 {
		log.Printf("TASKQUEUE: Schedule %d finished with %d/%d actions failed", schedule.ID, failed, len(schedule.Actions))
	}
	return nil
}

// handleActionDispatch runs an ad-hoc action batch in order.
func (h *handlers) handleActionDispatch(ctx context.Context, t *asynq.Task) error {
	var payload ActionDispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("bad %s payload: %w", t.Type(), err)
	}

	log.Printf("TASKQUEUE: Running %d actions from %s", len(payload.Actions), payload.Source)
	for i, action := range payload.Actions {
		var err error
		switch {
		case action.DeviceID == "":
			err = h.runner.SwitchShared(ctx, action.Relay, action.State)
		case action.Relay < 0:
			err = h.runner.SwitchAll(ctx, action.DeviceID, action.State)
		default:
			err = h.runner.SwitchRelay(ctx, action.DeviceID, action.Relay, action.State)
		}
		if err != nil {
			log.Printf("TASKQUEUE: Action %d from %s failed: %v", i, payload.Source, err)
		}
	}
	return nil
}
