package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Listener receives an event. Panics are recovered and logged.
type Listener func(ev *transport.Event, args transport.Args)

// binder installs and removes the single raw listener of an event.
type binder interface {
	bind(event string, fn transport.RawListener) (types.ID, error)
	unbind(event string, id types.ID)
}

type listenerEntry struct {
	id   types.ID
	fn   Listener
	once bool
	// fired is set, under listeners.mu, when a dispatch claims a once entry.
	fired bool
}

// listeners multiplexes one raw binding per event onto any number of
// local listeners.
type listeners struct {
	mu         sync.Mutex
	controller string
	binder     binder
	// gate, when set, runs before each delivery. Client controllers have none.
	gate     func(ctx context.Context, event string, ev *transport.Event) bool
	entries  map[string][]*listenerEntry
	bindings map[string]types.ID
	logger   *logger.Logger
	tracer   tracer
}

func newListeners(controller string, b binder, log *logger.Logger, tr tracer) *listeners {
	return &listeners{
		controller: controller,
		binder:     b,
		entries:    make(map[string][]*listenerEntry),
		bindings:   make(map[string]types.ID),
		logger:     log,
		tracer:     tr,
	}
}

// add appends a listener, installing the raw binding for the first one.
func (l *listeners) add(event string, fn Listener, once bool) (types.ID, error) {
	if err := channel.ValidateOperation(event); err != nil {
		return "", err
	}
	if fn == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "listener cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, bound := l.bindings[event]; !bound {
		rawID, err := l.binder.bind(event, func(ev *transport.Event, args transport.Args) {
			l.dispatch(event, ev, args)
		})
		if err != nil {
			return "", err
		}
		l.bindings[event] = rawID
		l.tracer.trace("bind", l.controller, event, "")
	}

	entry := &listenerEntry{id: types.GenerateID(), fn: fn, once: once}
	l.entries[event] = append(l.entries[event], entry)
	return entry.id, nil
}

// remove drops one listener. Unknown IDs are ignored.
func (l *listeners) remove(event string, id types.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[event]
	for i, e := range entries {
		if e.id == id {
			l.entries[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	l.unbindIfEmptyLocked(event)
}

// removeAll drops every listener of event.
func (l *listeners) removeAll(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, event)
	l.unbindIfEmptyLocked(event)
}

// close drops every listener and binding.
func (l *listeners) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for event := range l.entries {
		delete(l.entries, event)
		l.unbindIfEmptyLocked(event)
	}
}

func (l *listeners) unbindIfEmptyLocked(event string) {
	if len(l.entries[event]) > 0 {
		return
	}
	delete(l.entries, event)
	if rawID, bound := l.bindings[event]; bound {
		l.binder.unbind(event, rawID)
		delete(l.bindings, event)
		l.tracer.trace("unbind", l.controller, event, "")
	}
}

// dispatch fans a raw delivery out to a snapshot of the listeners.
func (l *listeners) dispatch(event string, ev *transport.Event, args transport.Args) {
	if l.gate != nil && !l.gate(context.Background(), event, ev) {
		return
	}

	l.mu.Lock()
	snapshot := make([]*listenerEntry, 0, len(l.entries[event]))
	var claimed []types.ID
	for _, e := range l.entries[event] {
		if e.once {
			if e.fired {
				continue
			}
			e.fired = true
			claimed = append(claimed, e.id)
		}
		snapshot = append(snapshot, e)
	}
	l.mu.Unlock()

	l.tracer.trace("dispatch", l.controller, event, "", args...)

	for _, e := range snapshot {
		l.invoke(event, e, ev, args)
	}

	for _, id := range claimed {
		l.remove(event, id)
	}
}

func (l *listeners) invoke(event string, e *listenerEntry, ev *transport.Event, args transport.Args) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Listener failed",
				"controller", l.controller,
				"event", event,
				"listener_id", e.id,
				"panic", fmt.Sprint(r))
		}
	}()
	e.fn(ev, args)
}

// counts returns the number of listeners per event.
func (l *listeners) counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.entries))
	for event, entries := range l.entries {
		out[event] = len(entries)
	}
	return out
}

// count returns the number of listeners of event.
func (l *listeners) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[event])
}
