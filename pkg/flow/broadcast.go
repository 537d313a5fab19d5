package flow

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Send pushes event to every destination the effective resolver returns.
// Delivery failures are logged, never returned; the error is only set for
// an invalid event name or a closed controller.
func (c *ServerController) Send(ctx context.Context, event string, args ...any) error {
	return c.broadcast(ctx, nil, event, args)
}

// SendToFrame is Send scoped to one frame of every destination.
func (c *ServerController) SendToFrame(ctx context.Context, frame transport.Frame, event string, args ...any) error {
	return c.broadcast(ctx, &frame, event, args)
}

func (c *ServerController) broadcast(ctx context.Context, frame *transport.Frame, event string, args []any) error {
	if err := channel.ValidateOperation(event); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}

	ch := channel.Name(c.name, event, channel.KindClientEvent)
	dests, err := c.resolveDestinations(ctx)
	if err != nil {
		c.logger.Error("Failed to resolve destinations", "event", event, "error", err)
		return nil
	}

	c.tracer.trace("send", c.name, event, ch, args...)

	for _, d := range dests {
		if d == nil {
			continue
		}
		if err := c.sendOne(d, frame, ch, args); err != nil {
			c.stats.sendFailures.Add(1)
			c.logger.Warn("Failed to send to destination",
				"event", event,
				"destination", d.ID(),
				"error", err)
			continue
		}
		c.stats.sent.Add(1)
	}
	return nil
}

func (c *ServerController) resolveDestinations(ctx context.Context) (dests []transport.Destination, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("destination resolver panicked: %v", r))
		}
	}()
	return c.effectiveDestinations()(ctx)
}

func (c *ServerController) sendOne(d transport.Destination, frame *transport.Frame, ch string, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("destination panicked: %v", r))
		}
	}()
	if frame != nil {
		return d.SendToFrame(*frame, ch, args...)
	}
	return d.Send(ch, args...)
}
