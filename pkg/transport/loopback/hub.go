// Package loopback is an in-process transport: one Hub plays the
// privileged side and each Window hosts numbered Frames playing workers.
// Payloads are cloned through the JSON codec in both directions so code
// under test sees what a real process boundary would deliver.
package loopback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// MainFrameID is the frame that Window.Send delivers to.
const MainFrameID = 1

// Hub is the privileged side of the loopback transport.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]transport.RawHandler
	windows  map[string]*Window
	nextPID  int
	table    *transport.ListenerTable
	logger   *logger.Logger
	stats    HubStats
}

// HubStats counts traffic through a Hub.
type HubStats struct {
	Delivered int64
	Invoked   int64
	Pushed    int64
}

var _ transport.ServerTransport = (*Hub)(nil)

// NewHub creates a hub. A nil logger falls back to the global logger.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "loopback_hub")
	return &Hub{
		handlers: make(map[string]transport.RawHandler),
		windows:  make(map[string]*Window),
		nextPID:  100,
		table:    transport.NewListenerTable(log),
		logger:   log,
	}
}

// On implements transport.ServerTransport.
func (h *Hub) On(channel string, l transport.RawListener) types.ID {
	return h.table.Add(channel, l)
}

// Off implements transport.ServerTransport.
func (h *Hub) Off(channel string, id types.ID) {
	h.table.Remove(channel, id)
}

// ListenerCount returns the raw listeners installed on channel.
func (h *Hub) ListenerCount(channel string) int {
	return h.table.Count(channel)
}

// Handle implements transport.ServerTransport.
func (h *Hub) Handle(channel string, handler transport.RawHandler) {
	h.mu.Lock()
	h.handlers[channel] = handler
	h.mu.Unlock()
}

// RemoveHandler implements transport.ServerTransport.
func (h *Hub) RemoveHandler(channel string) {
	h.mu.Lock()
	delete(h.handlers, channel)
	h.mu.Unlock()
}

// HasHandler reports whether channel has a handler.
func (h *Hub) HasHandler(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.handlers[channel]
	return ok
}

// NewWindow opens a window with its main frame.
func (h *Hub) NewWindow(id string) (*Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.windows[id]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "window already exists: "+id)
	}
	h.nextPID++
	w := &Window{
		id:     id,
		pid:    h.nextPID,
		hub:    h,
		frames: make(map[int]*Frame),
	}
	w.frames[MainFrameID] = newFrame(w, MainFrameID)
	h.windows[id] = w
	h.logger.Debug("Window opened", "window", id, "pid", w.pid)
	return w, nil
}

// Windows returns the open windows sorted by ID.
func (h *Hub) Windows() []*Window {
	h.mu.RLock()
	out := make([]*Window, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AllWindows is a DestinationResolver over every open window.
func (h *Hub) AllWindows(context.Context) ([]transport.Destination, error) {
	ws := h.Windows()
	out := make([]transport.Destination, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out, nil
}

// Stats returns a snapshot of the traffic counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *Hub) removeWindow(id string) {
	h.mu.Lock()
	delete(h.windows, id)
	h.mu.Unlock()
}

func (h *Hub) count(field *int64) {
	h.mu.Lock()
	*field++
	h.mu.Unlock()
}

// deliver runs raw listeners for a message sent by a frame.
func (h *Hub) deliver(ev *transport.Event, args transport.Args) {
	h.count(&h.stats.Delivered)
	if n := h.table.Emit(ev, args); n == 0 {
		h.logger.Debug("No listener for channel", "channel", ev.Channel)
	}
}

// invoke runs the handler for a frame's invocation and clones its result.
func (h *Hub) invoke(ctx context.Context, ev *transport.Event, args transport.Args) (any, error) {
	h.mu.RLock()
	handler, ok := h.handlers[ev.Channel]
	h.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("no handler registered for '%s'", ev.Channel))
	}

	h.count(&h.stats.Invoked)
	result, err := handler(ctx, ev, args)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeHandlerFailed,
			fmt.Sprintf("error invoking remote method '%s'", ev.Channel), err)
	}
	return transport.Clone(result)
}
