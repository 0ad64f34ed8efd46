package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// closeStack runs named shutdown handlers last-registered first. Handlers
// run at most once.
type closeStack struct {
	mu       sync.Mutex
	names    []string
	handlers []func(context.Context) error
}

func (c *closeStack) push(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
	c.handlers = append(c.handlers, fn)
}

func (c *closeStack) closeAll(ctx context.Context, log *slog.Logger) error {
	c.mu.Lock()
	names, handlers := c.names, c.handlers
	c.names, c.handlers = nil, nil
	c.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		log.Debug("closing", "component", names[i])
		if err := handlers[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
