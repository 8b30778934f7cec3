// Package handler dispatches a task through an ordered list of handlers and
// provides the denylist that always runs first.
package handler

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// NoHandlerReason is the failure recorded when every handler declines.
const NoHandlerReason = "No Handlers could process this URL."

// Chain tries handlers in ascending Order until one claims the task.
type Chain struct {
	handlers []harvest.Handler
	logger   *zap.Logger
}

// NewChain sorts handlers by Order. Ties keep registration order. A Denylist
// always runs before every other handler whatever its Order.
func NewChain(logger *zap.Logger, handlers ...harvest.Handler) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := slices.Clone(handlers)
	slices.SortStableFunc(sorted, func(a, b harvest.Handler) int {
		_, aDeny := a.(*Denylist)
		_, bDeny := b.(*Denylist)
		switch {
		case aDeny && !bDeny:
			return -1
		case bDeny && !aDeny:
			return 1
		}
		return a.Order() - b.Order()
	})
	return &Chain{handlers: sorted, logger: logger}
}

// Names lists handler names in dispatch order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.handlers))
	for _, h := range c.handlers {
		names = append(names, h.Name())
	}
	return names
}

// Dispatch returns the first claiming result. Errors and panics count as a
// decline.
func (c *Chain) Dispatch(ctx context.Context, task harvest.Task, rep harvest.Reporter) harvest.Result {
	host := ratelimit.Host(task.URL.Address)
	for _, h := range c.handlers {
		if err := ctx.Err(); err != nil {
			return harvest.Failure("", fmt.Sprintf("Error Downloading: %v", err))
		}
		if rep != nil {
			rep.SetHandler(h.Name() + " on " + host)
		}
		res, err := c.invoke(ctx, h, task, rep)
		if err != nil {
			c.logger.Warn("handler error",
				zap.String("handler", h.Name()),
				zap.Int64("url_id", task.URL.ID),
				zap.String("url", task.URL.Address),
				zap.Error(err),
			)
			continue
		}
		if res.Kind == harvest.ResultNotApplicable {
			continue
		}
		if res.Handler == "" {
			res.Handler = h.Name()
		}
		return res
	}
	return harvest.Failure("", NoHandlerReason)
}

func (c *Chain) invoke(
	ctx context.Context,
	h harvest.Handler,
	task harvest.Task,
	rep harvest.Reporter,
) (res harvest.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, task, rep)
}
