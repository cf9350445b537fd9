package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueLedger carries domain events bound for the ledger integrators.
	QueueLedger = "ledger"
	// TaskGLIntegrity is the periodic ledger integrity scan.
	TaskGLIntegrity = "ledger:gl_integrity"

	eventTaskPrefix = "event:"
)

// DefaultEventMaxRetry is the redelivery budget for event tasks.
const DefaultEventMaxRetry = 3

// EventTaskType maps an event type onto its task type.
func EventTaskType(eventType string) string {
	return eventTaskPrefix + eventType
}

// IsEventTask reports whether the task type carries an event envelope.
func IsEventTask(taskType string) bool {
	return strings.HasPrefix(taskType, eventTaskPrefix)
}

// NewEventTask wraps the envelope in a task whose id is the event id, so a
// second enqueue of the same event is rejected by the queue.
func NewEventTask(env events.Envelope, maxRetry int) (*asynq.Task, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode event %s: %w", env.ID, err)
	}
	if maxRetry < 0 {
		maxRetry = DefaultEventMaxRetry
	}
	return asynq.NewTask(EventTaskType(env.Type), data,
		asynq.TaskID(env.ID.String()),
		asynq.MaxRetry(maxRetry),
		asynq.Queue(QueueLedger),
	), nil
}

// DecodeEventTask extracts the envelope carried by an event task.
func DecodeEventTask(t *asynq.Task) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}
	if want := EventTaskType(env.Type); want != t.Type() {
		return events.Envelope{}, fmt.Errorf("%w: task %s carries %s", events.ErrMalformedEvent, t.Type(), env.Type)
	}
	return env, nil
}

// NewGLIntegrityTask constructs the integrity scan task.
func NewGLIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskGLIntegrity, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
