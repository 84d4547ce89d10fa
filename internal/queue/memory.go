package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/migration"
	"github.com/sells-group/crm-import/internal/resilience"
)

type memItem struct {
	d           Delivery
	availableAt time.Time
	processing  bool
}

// Memory is an in-process queue for inline runs and tests. It honors
// dedupe keys, delays, and redelivery backoff like the Postgres queue.
type Memory struct {
	mu          sync.Mutex
	seq         int64
	items       []*memItem
	dead        []Delivery
	maxAttempts int
	retry       resilience.RetryConfig
	now         func() time.Time
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for delays.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithMemoryRetry sets the attempt budget and redelivery backoff.
func WithMemoryRetry(maxAttempts int, retry resilience.RetryConfig) MemoryOption {
	return func(m *Memory) {
		m.maxAttempts = maxAttempts
		m.retry = retry
	}
}

// NewMemory returns an empty queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		maxAttempts: 5,
		retry:       resilience.DefaultRetryConfig(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds msg unless a message with the same dedupe key is pending or
// in flight.
func (m *Memory) Enqueue(_ context.Context, msg migration.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.DedupeKey()
	for _, it := range m.items {
		if it.d.Message.DedupeKey() == key {
			return nil
		}
	}
	m.seq++
	at := msg.AvailableAt
	if at.IsZero() {
		at = m.now()
	}
	m.items = append(m.items, &memItem{d: Delivery{ID: m.seq, Message: msg}, availableAt: at})
	return nil
}

func (m *Memory) Claim(_ context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Delivery
	for _, it := range m.items {
		if len(out) >= limit {
			break
		}
		if it.processing || it.availableAt.After(now) {
			continue
		}
		it.processing = true
		it.d.Attempts++
		out = append(out, it.d)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(d.ID)
	return nil
}

func (m *Memory) Nack(_ context.Context, d Delivery, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.d.ID != d.ID {
			continue
		}
		if it.d.Attempts >= m.maxAttempts {
			m.dead = append(m.dead, it.d)
			m.remove(d.ID)
			return nil
		}
		it.processing = false
		it.availableAt = m.now().Add(resilience.Backoff(it.d.Attempts-1, m.retry))
		return nil
	}
	return nil
}

// ReclaimExpired is a no-op: in-process claims cannot outlive the process.
func (m *Memory) ReclaimExpired(context.Context) (int64, error) {
	return 0, nil
}

func (m *Memory) remove(id int64) {
	for i, it := range m.items {
		if it.d.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of pending and in-flight messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Dead returns the dead-lettered deliveries.
func (m *Memory) Dead() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.dead...)
}

// nextAvailable returns when the earliest pending message becomes ready.
func (m *Memory) nextAvailable() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, it := range m.items {
		if it.processing {
			continue
		}
		if !found || it.availableAt.Before(next) {
			next = it.availableAt
			found = true
		}
	}
	return next, found
}

// Drain handles messages one at a time until the queue is empty, waiting
// out delays. It fails if any message was dead-lettered.
func (m *Memory) Drain(ctx context.Context, h Handler) error {
	log := zap.L().With(zap.String("component", "queue.memory"))
	for {
		ds, _ := m.Claim(ctx, 1)
		if len(ds) == 0 {
			next, ok := m.nextAvailable()
			if !ok {
				break
			}
			wait := next.Sub(m.now())
			if wait <= 0 {
				continue
			}
			log.Debug("queue: waiting for delayed message", zap.Duration("wait", wait))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return eris.Wrap(ctx.Err(), "queue: drain interrupted")
			case <-timer.C:
			}
			continue
		}

		d := ds[0]
		if err := h(ctx, d.Message); err != nil {
			log.Warn("queue: message failed",
				zap.String("dedupe_key", d.Message.DedupeKey()),
				zap.Int("attempts", d.Attempts),
				zap.Error(err),
			)
			_ = m.Nack(ctx, d, err)
			continue
		}
		_ = m.Ack(ctx, d)
	}

	if dead := m.Dead(); len(dead) > 0 {
		return eris.Errorf("queue: %d message(s) dead-lettered, first %s", len(dead), dead[0].Message.DedupeKey())
	}
	return nil
}
