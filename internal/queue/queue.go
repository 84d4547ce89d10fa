// Package queue carries migration messages between steps. Every transport
// delivers at least once; duplicate suppression beyond dedupe keys is the
// state machine's job.
package queue

import (
	"context"

	"github.com/sells-group/crm-import/internal/migration"
)

// Handler processes one message. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, msg migration.Message) error

// Delivery is a claimed message. Attempts counts this delivery.
type Delivery struct {
	ID       int64
	Message  migration.Message
	Attempts int
}

// Source is a queue a Worker can poll.
type Source interface {
	migration.Queue

	// Claim leases up to limit ready messages.
	Claim(ctx context.Context, limit int) ([]Delivery, error)
	// Ack removes a handled message.
	Ack(ctx context.Context, d Delivery) error
	// Nack schedules a failed message for redelivery, or dead-letters it
	// once its attempts are spent.
	Nack(ctx context.Context, d Delivery, cause error) error
	// ReclaimExpired returns messages whose lease ran out to the queue.
	ReclaimExpired(ctx context.Context) (int64, error)
}
