package flow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// ServerController is one named controller on the privileged side.
type ServerController struct {
	mu           sync.RWMutex
	name         string
	host         *Host
	events       *listeners
	handlers     map[string]transport.RawHandler
	trust        TrustFunc
	destinations transport.DestinationResolver
	closed       bool
	logger       *logger.Logger
	tracer       tracer
	stats        controllerCounters
}

type controllerCounters struct {
	invocations  atomic.Int64
	blocked      atomic.Int64
	dropped      atomic.Int64
	sent         atomic.Int64
	sendFailures atomic.Int64
}

func newServerController(h *Host, name string) *ServerController {
	log := h.logger.With("controller", name)
	c := &ServerController{
		name:     name,
		host:     h,
		handlers: make(map[string]transport.RawHandler),
		logger:   log,
		tracer:   tracer{enabled: h.tracer.enabled, log: log},
	}
	c.events = newListeners(name, serverBinder{controller: name, transport: h.transport}, log, c.tracer)
	c.events.gate = c.gateEvent
	return c
}

// Name returns the controller name.
func (c *ServerController) Name() string {
	return c.name
}

// SetTrust overrides the host's default trust predicate for this
// controller. A nil fn falls back to the host default again.
func (c *ServerController) SetTrust(fn TrustFunc) {
	c.mu.Lock()
	c.trust = fn
	c.mu.Unlock()
}

// SetDestinations overrides the host's default destination resolver for
// this controller. A nil fn falls back to the host default again.
func (c *ServerController) SetDestinations(fn transport.DestinationResolver) {
	c.mu.Lock()
	c.destinations = fn
	c.mu.Unlock()
}

// effectiveTrust resolves controller override, then host default, then AllowAll.
func (c *ServerController) effectiveTrust() TrustFunc {
	c.mu.RLock()
	fn := c.trust
	c.mu.RUnlock()
	if fn != nil {
		return fn
	}
	if fn = c.host.defaultTrust(); fn != nil {
		return fn
	}
	return AllowAll
}

// effectiveDestinations resolves controller override, then host default,
// then the empty set.
func (c *ServerController) effectiveDestinations() transport.DestinationResolver {
	c.mu.RLock()
	fn := c.destinations
	c.mu.RUnlock()
	if fn != nil {
		return fn
	}
	if fn = c.host.defaultDestinations(); fn != nil {
		return fn
	}
	return emptyDestinations
}

func (c *ServerController) gateEvent(ctx context.Context, event string, ev *transport.Event) bool {
	req := TrustRequest{Controller: c.name, Operation: event, Kind: TrustEvent, Event: ev}
	if checkTrust(ctx, c.effectiveTrust(), req, c.logger) {
		return true
	}
	c.stats.dropped.Add(1)
	return false
}

func (c *ServerController) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return types.NewError(types.ErrCodeFailedPrecondition, "controller is closed: "+c.name)
	}
	return nil
}

// On adds a listener for event sent by clients.
func (c *ServerController) On(event string, fn Listener) (types.ID, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.events.add(event, fn, false)
}

// Once adds a listener that is removed after its first delivery.
func (c *ServerController) Once(event string, fn Listener) (types.ID, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.events.add(event, fn, true)
}

// Off removes one listener of event.
func (c *ServerController) Off(event string, id types.ID) {
	c.events.remove(event, id)
}

// OffAll removes every listener of event.
func (c *ServerController) OffAll(event string) {
	c.events.removeAll(event)
}

// ListenerCount returns the number of listeners of event.
func (c *ServerController) ListenerCount(event string) int {
	return c.events.count(event)
}

// Close removes every handler and listener and releases the name.
func (c *ServerController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.RemoveHandler(name)
	}
	c.events.close()
	c.host.release(c)
	c.logger.Debug("Controller closed")
}

// ControllerStats summarizes one controller.
type ControllerStats struct {
	Name          string         `json:"name"`
	Handlers      []string       `json:"handlers"`
	Listeners     map[string]int `json:"listeners"`
	Invocations   int64          `json:"invocations"`
	Blocked       int64          `json:"blocked"`
	DroppedEvents int64          `json:"dropped_events"`
	Sent          int64          `json:"sent"`
	SendFailures  int64          `json:"send_failures"`
}

// Stats returns a snapshot of the controller's statistics.
func (c *ServerController) Stats() ControllerStats {
	return ControllerStats{
		Name:          c.name,
		Handlers:      c.HandlerNames(),
		Listeners:     c.events.counts(),
		Invocations:   c.stats.invocations.Load(),
		Blocked:       c.stats.blocked.Load(),
		DroppedEvents: c.stats.dropped.Load(),
		Sent:          c.stats.sent.Load(),
		SendFailures:  c.stats.sendFailures.Load(),
	}
}

// HandlerNames returns the installed handler names, sorted.
func (c *ServerController) HandlerNames() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}
