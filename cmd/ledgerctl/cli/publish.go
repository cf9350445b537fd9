package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
)

// Enqueuer submits a prepared envelope to the event transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, env events.Envelope) error
}

// PublishOptions defines flags for the publish command.
type PublishOptions struct {
	Type     string
	TenantID int64
	// EventID replays under an existing id so integrators treat the event as
	// a redelivery. Empty generates a new id.
	EventID string
	Payload io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Now     func() time.Time
}

// PublishCommand validates a payload file and enqueues it as an event.
func PublishCommand(ctx context.Context, q Enqueuer, opts PublishOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TenantID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "publish: --tenant is required and must be positive")
		return 1
	}
	if opts.Payload == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "publish: payload file is required")
		return 1
	}
	data, err := io.ReadAll(opts.Payload)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "publish: read payload: %v\n", err)
		return 1
	}
	evt, err := events.Decode(opts.Type, data)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "publish: %v\n", err)
		return 1
	}
	env, err := events.NewEnvelope(opts.TenantID, evt, opts.Now())
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "publish: %v\n", err)
		return 1
	}
	if opts.EventID != "" {
		id, err := uuid.Parse(opts.EventID)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "publish: invalid --id %q: %v\n", opts.EventID, err)
			return 1
		}
		env.ID = id
	}
	if err := q.Enqueue(ctx, env); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "publish: enqueue: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Published %s %s for tenant %d.\n", env.Type, env.ID, env.TenantID)
	return 0
}
