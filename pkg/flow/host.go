package flow

import (
	"context"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Host is the privileged side of the controller layer. It owns the server
// transport and the defaults its controllers fall back to.
type Host struct {
	mu           sync.RWMutex
	transport    transport.ServerTransport
	trust        TrustFunc
	destinations transport.DestinationResolver
	duplicates   config.DuplicatePolicy
	controllers  map[string][]*ServerController
	owners       map[string]*ServerController // invoke channel -> installing controller
	logger       *logger.Logger
	tracer       tracer
}

// NewHost creates a host on st.
func NewHost(st transport.ServerTransport, cfg config.FlowConfig, log *logger.Logger) (*Host, error) {
	if st == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "server transport cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	duplicates := cfg.DuplicateNames
	switch duplicates {
	case "":
		duplicates = config.DuplicateMerge
	case config.DuplicateMerge, config.DuplicateReject:
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown duplicate name policy: "+string(duplicates))
	}

	log = log.With("component", "flow_host")
	h := &Host{
		transport:   st,
		duplicates:  duplicates,
		controllers: make(map[string][]*ServerController),
		owners:      make(map[string]*ServerController),
		logger:      log,
		tracer:      tracer{enabled: cfg.Debug, log: log},
	}

	h.logger.Info("Flow host initialized", "duplicate_names", duplicates, "debug", cfg.Debug)
	return h, nil
}

// SetDefaultTrust sets the predicate used by controllers without their own.
// A nil fn restores AllowAll.
func (h *Host) SetDefaultTrust(fn TrustFunc) {
	h.mu.Lock()
	h.trust = fn
	h.mu.Unlock()
}

// SetDefaultDestinations sets the resolver used by controllers without
// their own. With none set broadcasts reach nobody.
func (h *Host) SetDefaultDestinations(fn transport.DestinationResolver) {
	h.mu.Lock()
	h.destinations = fn
	h.mu.Unlock()
}

func (h *Host) defaultTrust() TrustFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.trust
}

func (h *Host) defaultDestinations() transport.DestinationResolver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destinations
}

// Transport returns the server transport.
func (h *Host) Transport() transport.ServerTransport {
	return h.transport
}

// NewController creates a controller named name. Under the reject policy a
// name already in use fails with ALREADY_EXISTS; under merge both
// controllers share one namespace.
func (h *Host) NewController(name string) (*ServerController, error) {
	if err := channel.ValidateController(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	existing := len(h.controllers[name])
	if existing > 0 && h.duplicates == config.DuplicateReject {
		h.mu.Unlock()
		return nil, types.NewError(types.ErrCodeAlreadyExists, "controller name already in use: "+name)
	}
	c := newServerController(h, name)
	h.controllers[name] = append(h.controllers[name], c)
	h.mu.Unlock()

	if existing > 0 {
		h.logger.Warn("Controller name shared, namespaces merged", "controller", name, "instances", existing+1)
	} else {
		h.logger.Debug("Controller created", "controller", name)
	}
	return c, nil
}

// release drops c's claim on its name.
func (h *Host) release(c *ServerController) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.controllers[c.name]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.controllers, c.name)
		return
	}
	h.controllers[c.name] = list
}

// installHandler installs raw for c's operation name. Under the merge
// policy the latest installer owns the channel.
func (h *Host) installHandler(c *ServerController, name string, raw transport.RawHandler) {
	ch := channel.Name(c.name, name, channel.KindInvoke)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owners[ch] = c
	h.transport.Handle(ch, raw)
}

// dropHandler removes c's handler for name if c owns the channel. The most
// recent other instance of the same name that handles name takes over.
func (h *Host) dropHandler(c *ServerController, name string) {
	ch := channel.Name(c.name, name, channel.KindInvoke)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[ch] != c {
		return
	}
	delete(h.owners, ch)

	list := h.controllers[c.name]
	for i := len(list) - 1; i >= 0; i-- {
		other := list[i]
		if other == c {
			continue
		}
		if raw, ok := other.rawHandler(name); ok {
			h.owners[ch] = other
			h.transport.Handle(ch, raw)
			return
		}
	}
	h.transport.RemoveHandler(ch)
}

// Controllers returns the live controllers sorted by name.
func (h *Host) Controllers() []*ServerController {
	h.mu.RLock()
	var out []*ServerController
	for _, list := range h.controllers {
		out = append(out, list...)
	}
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Close closes every controller.
func (h *Host) Close() {
	for _, c := range h.Controllers() {
		c.Close()
	}
	h.logger.Info("Flow host closed")
}

// HostStats summarizes a host.
type HostStats struct {
	DuplicatePolicy string            `json:"duplicate_policy"`
	Controllers     []ControllerStats `json:"controllers"`
}

// Stats returns a snapshot of every controller's statistics.
func (h *Host) Stats() HostStats {
	cs := h.Controllers()
	stats := HostStats{
		DuplicatePolicy: string(h.duplicates),
		Controllers:     make([]ControllerStats, 0, len(cs)),
	}
	for _, c := range cs {
		stats.Controllers = append(stats.Controllers, c.Stats())
	}
	return stats
}

// serverBinder binds server-event channels on the host transport.
type serverBinder struct {
	controller string
	transport  transport.ServerTransport
}

func (b serverBinder) bind(event string, fn transport.RawListener) (types.ID, error) {
	return b.transport.On(channel.Name(b.controller, event, channel.KindServerEvent), fn), nil
}

func (b serverBinder) unbind(event string, id types.ID) {
	b.transport.Off(channel.Name(b.controller, event, channel.KindServerEvent), id)
}

// emptyDestinations is the builtin resolver.
func emptyDestinations(context.Context) ([]transport.Destination, error) {
	return nil, nil
}
