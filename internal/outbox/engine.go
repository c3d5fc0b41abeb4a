package outbox

import (
	"context"

	"go.uber.org/zap"
)

// Signal is the connectivity source the engine follows.
type Signal interface {
	IsOnline() bool
	Subscribe() (<-chan bool, func())
}

// Engine drains the queue whenever connectivity comes back and work is pending.
type Engine struct {
	queue  *Queue
	signal Signal
	logger *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(queue *Queue, signal Signal, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{queue: queue, signal: signal, logger: logger}
}

// Run follows connectivity transitions until ctx is done. If the client is
// already online at start, pending work is drained immediately.
func (e *Engine) Run(ctx context.Context) error {
	transitions, cancel := e.signal.Subscribe()
	defer cancel()

	if e.signal.IsOnline() {
		e.drainIfPending(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-transitions:
			if online {
				e.drainIfPending(ctx)
			}
		}
	}
}

func (e *Engine) drainIfPending(ctx context.Context) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		e.logger.Error("failed to count pending outbox items", zap.Error(err))
		return
	}
	if pending == 0 {
		return
	}
	e.logger.Info("connectivity restored, draining outbox", zap.Int64("pending", pending))
	if _, err := e.queue.Drain(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("outbox drain failed", zap.Error(err))
	}
}
