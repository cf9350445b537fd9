package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// ArchiveInspector is the subset of *asynq.Inspector the failures commands use.
type ArchiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
}

// FailuresCLI lists and requeues events whose retry budget ran out.
type FailuresCLI struct {
	inspector ArchiveInspector
}

// NewFailuresCLI wraps an inspector.
func NewFailuresCLI(inspector ArchiveInspector) *FailuresCLI {
	return &FailuresCLI{inspector: inspector}
}

// Failure is one archived event task.
type Failure struct {
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	TenantID  int64     `json:"tenant_id"`
	Retried   int       `json:"retried"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// FailuresOptions defines flags for the failures commands.
type FailuresOptions struct {
	Size       int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *FailuresOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Size <= 0 {
		o.Size = 50
	}
}

// List returns archived tasks of the ledger queue.
func (c *FailuresCLI) List(ctx context.Context, size int) ([]Failure, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("failures cli: inspector not configured")
	}
	infos, err := c.inspector.ListArchivedTasks(jobs.QueueLedger, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Failure, 0, len(infos))
	for _, info := range infos {
		f := Failure{
			TaskID:    info.ID,
			EventType: info.Type,
			Retried:   info.Retried,
			LastError: info.LastErr,
			FailedAt:  info.LastFailedAt,
		}
		var env events.Envelope
		if json.Unmarshal(info.Payload, &env) == nil {
			f.EventType = env.Type
			f.TenantID = env.TenantID
		}
		out = append(out, f)
	}
	return out, nil
}

// ListCommand prints archived tasks and returns the process exit code.
func (c *FailuresCLI) ListCommand(ctx context.Context, opts FailuresOptions) int {
	opts.defaults()
	failures, err := c.List(ctx, opts.Size)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "failures list: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(failures); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "failures list: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	if len(failures) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "No archived events.")
		return 0
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TASK ID\tTYPE\tTENANT\tRETRIED\tFAILED AT\tERROR")
	for _, f := range failures {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", f.TaskID, f.EventType, f.TenantID, f.Retried, f.FailedAt.UTC().Format(time.RFC3339), f.LastError)
	}
	_ = tw.Flush()
	return 0
}

// RetryCommand moves an archived task back to pending.
func (c *FailuresCLI) RetryCommand(ctx context.Context, taskID string, opts FailuresOptions) int {
	opts.defaults()
	if taskID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "failures retry: task id is required")
		return 1
	}
	if c == nil || c.inspector == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "failures retry: inspector not configured")
		return 1
	}
	if err := c.inspector.RunTask(jobs.QueueLedger, taskID); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "failures retry: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Task %s requeued.\n", taskID)
	return 0
}
