// Package diagnostics serves a read-only JSON-RPC view of a running host:
// its controllers, their counters, and any extra stats sources such as the
// transport or the trust policy.
package diagnostics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// ServiceName is the JSON-RPC service prefix, as in "Diagnostics.Stats".
const ServiceName = "Diagnostics"

// SourceFunc returns a JSON-encodable snapshot.
type SourceFunc func() any

// Service is the JSON-RPC receiver. Its exported methods follow the
// gorilla/rpc calling convention.
type Service struct {
	host    *flow.Host
	mu      sync.RWMutex
	sources map[string]SourceFunc
}

// NewService creates a service reporting on host.
func NewService(host *flow.Host) (*Service, error) {
	if host == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "host cannot be nil")
	}
	return &Service{host: host, sources: make(map[string]SourceFunc)}, nil
}

// AddSource registers an extra stats source under name.
func (s *Service) AddSource(name string, fn SourceFunc) {
	s.mu.Lock()
	s.sources[name] = fn
	s.mu.Unlock()
}

// Empty is the argument of parameterless methods.
type Empty struct{}

// PingReply answers Ping.
type PingReply struct {
	OK bool `json:"ok"`
}

// Ping reports that the endpoint is alive.
func (s *Service) Ping(_ *http.Request, _ *Empty, reply *PingReply) error {
	reply.OK = true
	return nil
}

// StatsReply is the full snapshot.
type StatsReply struct {
	Host    flow.HostStats `json:"host"`
	Sources map[string]any `json:"sources,omitempty"`
}

// Stats returns the host stats and every extra source.
func (s *Service) Stats(_ *http.Request, _ *Empty, reply *StatsReply) error {
	reply.Host = s.host.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sources) > 0 {
		reply.Sources = make(map[string]any, len(s.sources))
		for name, fn := range s.sources {
			reply.Sources[name] = fn()
		}
	}
	return nil
}

// ControllersReply lists controller names.
type ControllersReply struct {
	Names []string `json:"names"`
}

// Controllers returns the sorted names of the live controllers. A name
// shared by merged controllers appears once.
func (s *Service) Controllers(_ *http.Request, _ *Empty, reply *ControllersReply) error {
	seen := make(map[string]bool)
	reply.Names = []string{}
	for _, c := range s.host.Controllers() {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			reply.Names = append(reply.Names, c.Name())
		}
	}
	sort.Strings(reply.Names)
	return nil
}

// ControllerArgs names one controller.
type ControllerArgs struct {
	Name string `json:"name"`
}

// ControllerReply holds the stats of every controller with the name.
type ControllerReply struct {
	Controllers []flow.ControllerStats `json:"controllers"`
}

// Controller returns the stats of the named controller.
func (s *Service) Controller(_ *http.Request, args *ControllerArgs, reply *ControllerReply) error {
	if err := channel.ValidateController(args.Name); err != nil {
		return err
	}
	for _, c := range s.host.Controllers() {
		if c.Name() == args.Name {
			reply.Controllers = append(reply.Controllers, c.Stats())
		}
	}
	if len(reply.Controllers) == 0 {
		return types.NewError(types.ErrCodeNotFound, "controller not found: "+args.Name)
	}
	return nil
}

// ChannelArgs carries a raw channel name.
type ChannelArgs struct {
	Channel string `json:"channel"`
}

// ChannelReply is a decoded channel name.
type ChannelReply struct {
	Controller string `json:"controller"`
	Operation  string `json:"operation"`
	Kind       string `json:"kind"`
}

// ParseChannel decodes a raw channel name, which helps reading transport
// traces.
func (s *Service) ParseChannel(_ *http.Request, args *ChannelArgs, reply *ChannelReply) error {
	controller, op, kind, err := channel.Parse(args.Channel)
	if err != nil {
		return err
	}
	reply.Controller = controller
	reply.Operation = op
	reply.Kind = kind.String()
	return nil
}
