package loopback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Window is a destination hosting one or more frames.
type Window struct {
	mu     sync.RWMutex
	id     string
	pid    int
	hub    *Hub
	frames map[int]*Frame
	closed bool
}

var _ transport.Destination = (*Window)(nil)

// ID implements transport.Destination.
func (w *Window) ID() string {
	return w.id
}

// ProcessID returns the simulated renderer process ID.
func (w *Window) ProcessID() int {
	return w.pid
}

// MainFrame returns the frame Send delivers to.
func (w *Window) MainFrame() *Frame {
	f, _ := w.Frame(MainFrameID)
	return f
}

// Frame returns the frame with the given ID.
func (w *Window) Frame(id int) (*Frame, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	f, ok := w.frames[id]
	return f, ok
}

// OpenFrame adds a sub-frame.
func (w *Window) OpenFrame(id int) (*Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "window is closed: "+w.id)
	}
	if _, exists := w.frames[id]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("frame %d already exists in %s", id, w.id))
	}
	f := newFrame(w, id)
	w.frames[id] = f
	return f, nil
}

// FrameIDs returns the IDs of the window's frames in ascending order.
func (w *Window) FrameIDs() []int {
	w.mu.RLock()
	ids := make([]int, 0, len(w.frames))
	for id := range w.frames {
		ids = append(ids, id)
	}
	w.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Send implements transport.Destination. It delivers to the main frame.
func (w *Window) Send(channel string, args ...any) error {
	return w.SendToFrame(transport.FrameOf(MainFrameID), channel, args...)
}

// SendToFrame implements transport.Destination.
func (w *Window) SendToFrame(frame transport.Frame, channel string, args ...any) error {
	w.mu.RLock()
	closed := w.closed
	f, ok := w.frames[frame.FrameID]
	w.mu.RUnlock()

	if closed {
		return types.NewError(types.ErrCodeUnavailable, "window is closed: "+w.id)
	}
	if frame.ProcessID != 0 && frame.ProcessID != w.pid {
		return types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("process %d is not hosted by window %s", frame.ProcessID, w.id))
	}
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("frame %d not found in window %s", frame.FrameID, w.id))
	}

	cloned, err := transport.CloneArgs(args)
	if err != nil {
		return err
	}
	w.hub.count(&w.hub.stats.Pushed)
	f.receive(channel, cloned)
	return nil
}

// Close destroys the window. Later sends fail.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.hub.removeWindow(w.id)
}

// Frame is one client execution context. It is a ClientTransport and the
// global scope client code exposes APIs into.
type Frame struct {
	*transport.Scope
	id     int
	window *Window
	table  *transport.ListenerTable
}

var (
	_ transport.ClientTransport = (*Frame)(nil)
	_ transport.Exposer         = (*Frame)(nil)
	_ transport.Globals         = (*Frame)(nil)
)

func newFrame(w *Window, id int) *Frame {
	return &Frame{
		Scope:  transport.NewScope(),
		id:     id,
		window: w,
		table:  transport.NewListenerTable(w.hub.logger),
	}
}

// ID returns the frame ID.
func (f *Frame) ID() int {
	return f.id
}

// Window returns the hosting window.
func (f *Frame) Window() *Window {
	return f.window
}

func (f *Frame) event(channel string) *transport.Event {
	return &transport.Event{
		SenderID: f.window.id,
		Frame:    transport.Frame{ProcessID: f.window.pid, FrameID: f.id},
		Channel:  channel,
		Sender:   f.window,
	}
}

// Send implements transport.ClientTransport.
func (f *Frame) Send(channel string, args ...any) error {
	cloned, err := transport.CloneArgs(args)
	if err != nil {
		return err
	}
	f.window.hub.deliver(f.event(channel), cloned)
	return nil
}

// Invoke implements transport.ClientTransport.
func (f *Frame) Invoke(ctx context.Context, channel string, args ...any) (any, error) {
	cloned, err := transport.CloneArgs(args)
	if err != nil {
		return nil, err
	}
	return f.window.hub.invoke(ctx, f.event(channel), cloned)
}

// On implements transport.ClientTransport.
func (f *Frame) On(channel string, l transport.RawListener) types.ID {
	return f.table.Add(channel, l)
}

// Off implements transport.ClientTransport.
func (f *Frame) Off(channel string, id types.ID) {
	f.table.Remove(channel, id)
}

// ListenerCount returns the raw listeners installed on channel.
func (f *Frame) ListenerCount(channel string) int {
	return f.table.Count(channel)
}

func (f *Frame) receive(channel string, args transport.Args) {
	ev := &transport.Event{
		SenderID: "host",
		Frame:    transport.Frame{ProcessID: f.window.pid, FrameID: f.id},
		Channel:  channel,
	}
	f.table.Emit(ev, args)
}
