package storage

import (
	"context"
	"fmt"

	"github.com/goodtune/mmsession/internal/dispatch"
	"github.com/rs/zerolog"
)

// Context serializes every transaction on a session store through one
// dedicated executor. Callers block until their transaction finishes, so it
// must only be used from operation queues, never from the coordination
// queue.
type Context struct {
	sessions SessionStore
	queue    *dispatch.Queue
}

// NewContext creates a store context with its own executor.
func NewContext(sessions SessionStore, logger zerolog.Logger) *Context {
	return &Context{
		sessions: sessions,
		queue:    dispatch.NewQueue("storage.context", logger),
	}
}

// Perform runs fn in a read-write transaction on the executor and waits for
// the commit.
func (c *Context) Perform(ctx context.Context, fn func(tx SessionTx) error) error {
	return c.perform(ctx, func() error { return c.sessions.Update(ctx, fn) })
}

// View runs fn in a read-only transaction on the executor.
func (c *Context) View(ctx context.Context, fn func(tx SessionTx) error) error {
	return c.perform(ctx, func() error { return c.sessions.View(ctx, fn) })
}

// Close waits for queued transactions and stops the executor.
func (c *Context) Close() {
	c.queue.Close()
}

func (c *Context) perform(ctx context.Context, txFn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var txErr error
	if err := c.queue.Sync(func() { txErr = txFn() }); err != nil {
		return fmt.Errorf("store executor: %w", err)
	}
	return txErr
}
