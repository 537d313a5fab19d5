package flow

import (
	"context"

	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/envelope"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// HandlerFunc answers an invocation. It may return an envelope.Future,
// which is awaited before replying.
type HandlerFunc func(ctx context.Context, args transport.Args) (any, error)

// EventHandlerFunc is a HandlerFunc that also receives the raw invocation
// context.
type EventHandlerFunc func(ctx context.Context, ev *transport.Event, args transport.Args) (any, error)

// Handle installs fn as the handler of name, replacing any previous one.
func (c *ServerController) Handle(name string, fn HandlerFunc) error {
	if fn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	return c.install(name, func(ctx context.Context, _ *transport.Event, args transport.Args) (any, error) {
		return fn(ctx, args)
	})
}

// HandleWithEvent installs fn as the handler of name, passing the raw
// invocation context as its first argument.
func (c *ServerController) HandleWithEvent(name string, fn EventHandlerFunc) error {
	if fn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	return c.install(name, fn)
}

// RemoveHandler removes the handler of name, if any. The transport handler
// is only removed while this controller owns it; a same-name controller that
// installed a handler since keeps its own.
func (c *ServerController) RemoveHandler(name string) {
	c.mu.Lock()
	_, ok := c.handlers[name]
	delete(c.handlers, name)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.host.dropHandler(c, name)
	c.tracer.trace("removeHandler", c.name, name, channel.Name(c.name, name, channel.KindInvoke))
}

// rawHandler returns the transport handler installed for name, if c is
// open and handles it.
func (c *ServerController) rawHandler(name string) (transport.RawHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}
	raw, ok := c.handlers[name]
	return raw, ok
}

// SetHandlers replaces the whole handler table: every installed handler is
// removed, then each entry of table is installed.
func (c *ServerController) SetHandlers(table map[string]HandlerFunc) error {
	for name, fn := range table {
		if err := channel.ValidateOperation(name); err != nil {
			return err
		}
		if fn == nil {
			return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil: "+name)
		}
	}

	for _, name := range c.HandlerNames() {
		c.RemoveHandler(name)
	}
	for name, fn := range table {
		if err := c.Handle(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (c *ServerController) install(name string, fn EventHandlerFunc) error {
	if err := channel.ValidateOperation(name); err != nil {
		return err
	}

	raw := func(ctx context.Context, ev *transport.Event, args transport.Args) (any, error) {
		return c.serve(ctx, name, fn, ev, args), nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "controller is closed: "+c.name)
	}
	c.handlers[name] = raw
	c.mu.Unlock()

	c.host.installHandler(c, name, raw)
	c.tracer.trace("handle", c.name, name, channel.Name(c.name, name, channel.KindInvoke))
	return nil
}

// serve produces exactly one envelope for an inbound invocation.
func (c *ServerController) serve(ctx context.Context, name string, fn EventHandlerFunc, ev *transport.Event, args transport.Args) envelope.Envelope {
	c.stats.invocations.Add(1)

	req := TrustRequest{Controller: c.name, Operation: name, Kind: TrustInvoke, Event: ev}
	if !checkTrust(ctx, c.effectiveTrust(), req, c.logger) {
		c.stats.blocked.Add(1)
		return blockedEnvelope()
	}

	c.tracer.trace("invoke", c.name, name, channel.Name(c.name, name, channel.KindInvoke), args...)

	env := envelope.Wrap(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx, ev, args)
	})
	if env.IsError() {
		c.logger.Debug("Handler failed", "operation", name, "error", env.Value)
	}
	return env
}
