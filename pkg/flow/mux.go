package flow

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/envelope"
	"github.com/billm/baaaht/ipcflow/pkg/registry"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

const (
	// GlobalKey is where Preload exposes the Multiplexer.
	GlobalKey = "$IpcFlow"
	// DebugKey is where Preload exposes the debug flag.
	DebugKey = "$IpcFlowDebug"
)

// PreloadOptions configures the client-side Multiplexer.
type PreloadOptions struct {
	// AutoRegister makes NewController register its name.
	AutoRegister bool
	// DisableRegistry lets every controller name through.
	DisableRegistry bool
	// Debug enables tracing of every channel action.
	Debug  bool
	Logger *logger.Logger
}

// PreloadOptionsFromConfig maps the flow configuration onto PreloadOptions.
func PreloadOptionsFromConfig(cfg config.FlowConfig, log *logger.Logger) PreloadOptions {
	return PreloadOptions{
		AutoRegister:    cfg.AutoRegister,
		DisableRegistry: cfg.DisableRegistry,
		Debug:           cfg.Debug,
		Logger:          log,
	}
}

// Multiplexer is the single object through which every client controller
// of an execution context reaches the transport.
type Multiplexer struct {
	transport    transport.ClientTransport
	registry     *registry.Registry
	autoRegister bool
	debug        bool
	logger       *logger.Logger
	tracer       tracer
}

// Preload builds the Multiplexer for ct and exposes it, together with the
// debug flag, into globals. Call it once per execution context.
func Preload(ct transport.ClientTransport, globals transport.Exposer, opts PreloadOptions) (*Multiplexer, error) {
	if ct == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "client transport cannot be nil")
	}
	if globals == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "globals cannot be nil")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "flow_mux")

	m := &Multiplexer{
		transport:    ct,
		registry:     registry.New(log, registry.WithDisabled(opts.DisableRegistry), registry.WithOwner(GlobalKey)),
		autoRegister: opts.AutoRegister,
		debug:        opts.Debug,
		logger:       log,
		tracer:       tracer{enabled: opts.Debug, log: log},
	}

	if err := globals.Expose(GlobalKey, m); err != nil {
		return nil, types.WrapError(types.ErrCodeFailedPrecondition, "failed to expose multiplexer", err)
	}
	if err := globals.Expose(DebugKey, opts.Debug); err != nil {
		return nil, types.WrapError(types.ErrCodeFailedPrecondition, "failed to expose debug flag", err)
	}

	m.logger.Debug("Multiplexer preloaded",
		"auto_register", opts.AutoRegister,
		"registry_disabled", opts.DisableRegistry)
	return m, nil
}

// LookupMultiplexer returns the Multiplexer Preload exposed into globals.
func LookupMultiplexer(globals transport.Globals) (*Multiplexer, error) {
	if globals == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "globals cannot be nil")
	}
	v, ok := globals.Lookup(GlobalKey)
	if !ok {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, GlobalKey+" not found, run Preload first")
	}
	m, ok := v.(*Multiplexer)
	if !ok {
		return nil, types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("%s holds %T, not a multiplexer", GlobalKey, v))
	}
	return m, nil
}

// Debug reports whether tracing is on.
func (m *Multiplexer) Debug() bool {
	return m.debug
}

// AutoRegister reports whether new controllers register themselves.
func (m *Multiplexer) AutoRegister() bool {
	return m.autoRegister
}

// Register allows name to use the multiplexer.
func (m *Multiplexer) Register(name string) error {
	return m.registry.Register(name)
}

// Unregister revokes name.
func (m *Multiplexer) Unregister(name string) {
	m.registry.Unregister(name)
}

// IsRegistered reports whether name may use the multiplexer.
func (m *Multiplexer) IsRegistered(name string) bool {
	return m.registry.IsRegistered(name)
}

// Registered returns the registered controller names.
func (m *Multiplexer) Registered() []string {
	return m.registry.Names()
}

func (m *Multiplexer) check(op, controller, name string) error {
	if err := channel.ValidateController(controller); err != nil {
		return err
	}
	if err := channel.ValidateOperation(name); err != nil {
		return err
	}
	return m.registry.Check(op, controller)
}

// Invoke calls handler name of controller and returns its value, or the
// decoded error the handler failed with.
func (m *Multiplexer) Invoke(ctx context.Context, controller, name string, args ...any) (any, error) {
	if err := m.check("invoke", controller, name); err != nil {
		return nil, err
	}
	ch := channel.Name(controller, name, channel.KindInvoke)
	m.tracer.trace("invoke", controller, name, ch, args...)

	raw, err := m.transport.Invoke(ctx, ch, args...)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Parse(raw)
	if err != nil {
		return nil, err
	}
	return env.Unwrap()
}

// Send emits event of controller to the privileged side.
func (m *Multiplexer) Send(controller, event string, args ...any) error {
	if err := m.check("send", controller, event); err != nil {
		return err
	}
	ch := channel.Name(controller, event, channel.KindServerEvent)
	m.tracer.trace("send", controller, event, ch, args...)
	return m.transport.Send(ch, args...)
}

// On installs a raw listener for broadcasts of event by controller.
func (m *Multiplexer) On(controller, event string, fn transport.RawListener) (types.ID, error) {
	if err := m.check("on", controller, event); err != nil {
		return "", err
	}
	ch := channel.Name(controller, event, channel.KindClientEvent)
	m.tracer.trace("on", controller, event, ch)
	return m.transport.On(ch, fn), nil
}

// Off removes a raw listener installed by On.
func (m *Multiplexer) Off(controller, event string, id types.ID) error {
	if err := m.check("off", controller, event); err != nil {
		return err
	}
	ch := channel.Name(controller, event, channel.KindClientEvent)
	m.tracer.trace("off", controller, event, ch)
	m.transport.Off(ch, id)
	return nil
}

// clientBinder binds client-event channels through the multiplexer.
type clientBinder struct {
	controller string
	mux        *Multiplexer
}

func (b clientBinder) bind(event string, fn transport.RawListener) (types.ID, error) {
	return b.mux.On(b.controller, event, fn)
}

func (b clientBinder) unbind(event string, id types.ID) {
	if err := b.mux.Off(b.controller, event, id); err != nil {
		// Only Close reaches here for an unregistered name; it always cleans up.
		b.mux.transport.Off(channel.Name(b.controller, event, channel.KindClientEvent), id)
		b.mux.logger.Debug("Unbound listener of unregistered controller",
			"controller", b.controller, "event", event)
	}
}
