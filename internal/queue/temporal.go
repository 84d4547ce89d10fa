package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/crm-import/internal/config"
	"github.com/sells-group/crm-import/internal/migration"
)

// Temporal names. Changing them orphans workflows already scheduled.
const (
	WorkflowName     = "CRMMigrationMessage"
	ActivityName     = "HandleMigrationMessage"
	WorkflowIDPrefix = "crm-migration-"
)

var messageActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    5,
	},
}

// workflowStarter is the part of client.Client the queue needs.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Temporal delivers each message as its own short workflow. The workflow
// id is derived from the dedupe key, so enqueueing a message whose
// workflow is still open returns that execution instead of starting
// another.
type Temporal struct {
	starter   workflowStarter
	taskQueue string
	now       func() time.Time
}

// DialTemporal connects to the configured Temporal frontend.
func DialTemporal(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewTemporal creates a queue that starts workflows on taskQueue.
func NewTemporal(c client.Client, taskQueue string) *Temporal {
	return &Temporal{starter: c, taskQueue: taskQueue, now: time.Now}
}

// WorkflowID returns the workflow id for msg.
func WorkflowID(msg migration.Message) string {
	return WorkflowIDPrefix + msg.DedupeKey()
}

func (q *Temporal) Enqueue(ctx context.Context, msg migration.Message) error {
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(msg),
		TaskQueue:                q.taskQueue,
		WorkflowExecutionTimeout: time.Hour,
	}
	if delay := msg.AvailableAt.Sub(q.now()); !msg.AvailableAt.IsZero() && delay > 0 {
		opts.StartDelay = delay
	}
	if _, err := q.starter.ExecuteWorkflow(ctx, opts, WorkflowName, msg); err != nil {
		return eris.Wrapf(err, "queue: start workflow %s", opts.ID)
	}
	return nil
}

// MessageWorkflow runs the handler activity for one message. Activity
// retries stand in for the Postgres queue's nack backoff.
func MessageWorkflow(ctx workflow.Context, msg migration.Message) error {
	ctx = workflow.WithActivityOptions(ctx, messageActivityOptions)
	return workflow.ExecuteActivity(ctx, ActivityName, msg).Get(ctx, nil)
}

// Activities adapts a Handler to a Temporal activity.
type Activities struct {
	handler Handler
}

// HandleMigrationMessage processes one message.
func (a *Activities) HandleMigrationMessage(ctx context.Context, msg migration.Message) error {
	return a.handler(ctx, msg)
}

// Registrar is satisfied by worker.Worker and the SDK test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterTemporal registers the message workflow and handler activity.
func RegisterTemporal(r Registrar, handler Handler) {
	a := &Activities{handler: handler}
	r.RegisterWorkflowWithOptions(MessageWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(a.HandleMigrationMessage, activity.RegisterOptions{Name: ActivityName})
}
