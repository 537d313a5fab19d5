package flow

import (
	"context"

	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Caller is a handler bound to its controller and name.
type Caller func(ctx context.Context, args ...any) (any, error)

// ClientController is one named controller on the worker side.
type ClientController struct {
	name   string
	mux    *Multiplexer
	events *listeners
}

// NewController creates a client controller. When the multiplexer
// auto-registers, name is registered first.
func (m *Multiplexer) NewController(name string) (*ClientController, error) {
	if err := channel.ValidateController(name); err != nil {
		return nil, err
	}
	if m.autoRegister {
		if err := m.registry.Register(name); err != nil {
			return nil, err
		}
	}
	log := m.logger.With("controller", name)
	return &ClientController{
		name:   name,
		mux:    m,
		events: newListeners(name, clientBinder{controller: name, mux: m}, log, tracer{enabled: m.debug, log: log}),
	}, nil
}

// NewClientController looks up the multiplexer in globals and creates a
// controller on it.
func NewClientController(globals transport.Globals, name string) (*ClientController, error) {
	m, err := LookupMultiplexer(globals)
	if err != nil {
		return nil, err
	}
	return m.NewController(name)
}

// Name returns the controller name.
func (c *ClientController) Name() string {
	return c.name
}

// Register allows this controller to use the multiplexer.
func (c *ClientController) Register() error {
	return c.mux.Register(c.name)
}

// Unregister revokes this controller's access.
func (c *ClientController) Unregister() {
	c.mux.Unregister(c.name)
}

// IsRegistered reports whether this controller may use the multiplexer.
func (c *ClientController) IsRegistered() bool {
	return c.mux.IsRegistered(c.name)
}

// Invoke calls the privileged-side handler name.
func (c *ClientController) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	return c.mux.Invoke(ctx, c.name, name, args...)
}

// InvokeInto calls handler name and decodes its value into out.
func (c *ClientController) InvokeInto(ctx context.Context, name string, out any, args ...any) error {
	v, err := c.Invoke(ctx, name, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return transport.Convert(v, out)
}

// Caller returns Invoke bound to name.
func (c *ClientController) Caller(name string) Caller {
	return func(ctx context.Context, args ...any) (any, error) {
		return c.Invoke(ctx, name, args...)
	}
}

// Send emits event to the privileged side.
func (c *ClientController) Send(event string, args ...any) error {
	return c.mux.Send(c.name, event, args...)
}

// On adds a listener for event broadcast by the privileged side.
func (c *ClientController) On(event string, fn Listener) (types.ID, error) {
	return c.events.add(event, fn, false)
}

// Once adds a listener removed after its first delivery.
func (c *ClientController) Once(event string, fn Listener) (types.ID, error) {
	return c.events.add(event, fn, true)
}

// Off removes one listener of event. It fails with NOT_REGISTERED, leaving
// the listener in place, when the controller is not registered.
func (c *ClientController) Off(event string, id types.ID) error {
	if err := c.mux.check("off", c.name, event); err != nil {
		return err
	}
	c.events.remove(event, id)
	return nil
}

// OffAll removes every listener of event, with the same registry check as
// Off.
func (c *ClientController) OffAll(event string) error {
	if err := c.mux.check("off", c.name, event); err != nil {
		return err
	}
	c.events.removeAll(event)
	return nil
}

// ListenerCount returns the number of listeners of event.
func (c *ClientController) ListenerCount(event string) int {
	return c.events.count(event)
}

// Close removes every listener, registered or not.
func (c *ClientController) Close() {
	c.events.close()
}
