package bus

import (
	"log/slog"
	"sync"
	"time"

	"evorelay/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based queue carrying coalesced turns from
// the debounce layer to the worker pool.
type InMemoryBus struct {
	jobs   chan domain.TurnJob
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		jobs:   make(chan domain.TurnJob, bufferSize),
		logger: logger,
	}
}

// Blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(job domain.TurnJob) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "key", job.Key.String())
		return
	}

	select {
	case b.jobs <- job:
	default:
		// Bus full — wait with timeout instead of dropping
		b.logger.Warn("turn bus full, waiting...", "key", job.Key.String(), "agent_id", job.AgentID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.jobs <- job:
			b.logger.Info("turn delivered after wait", "key", job.Key.String())
		case <-timer.C:
			b.logger.Error("turn dropped: bus full for 10s",
				"key", job.Key.String(),
				"agent_id", job.AgentID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.TurnJob {
	return b.jobs
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
}
