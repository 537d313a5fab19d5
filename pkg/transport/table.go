package transport

import (
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

type tableEntry struct {
	id types.ID
	fn RawListener
}

// ListenerTable maps raw channels to listeners. Transports embed it to
// implement On and Off.
type ListenerTable struct {
	mu        sync.RWMutex
	listeners map[string][]tableEntry
	logger    *logger.Logger
}

// NewListenerTable creates an empty table. Panicking listeners are logged
// to log, or to the global logger when log is nil.
func NewListenerTable(log *logger.Logger) *ListenerTable {
	if log == nil {
		log = logger.Global()
	}
	return &ListenerTable{
		listeners: make(map[string][]tableEntry),
		logger:    log,
	}
}

// Add appends fn to channel and returns its identity.
func (t *ListenerTable) Add(channel string, fn RawListener) types.ID {
	id := types.GenerateID()
	t.mu.Lock()
	t.listeners[channel] = append(t.listeners[channel], tableEntry{id: id, fn: fn})
	t.mu.Unlock()
	return id
}

// Remove drops the listener with the given identity.
func (t *ListenerTable) Remove(channel string, id types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.listeners[channel]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.listeners, channel)
		return
	}
	t.listeners[channel] = entries
}

// Count returns the number of listeners on channel.
func (t *ListenerTable) Count(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners[channel])
}

// Channels returns the number of channels with at least one listener.
func (t *ListenerTable) Channels() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// Emit calls every listener of ev.Channel in order and returns how many
// ran. A panicking listener is logged and does not stop the others.
func (t *ListenerTable) Emit(ev *Event, args Args) int {
	t.mu.RLock()
	entries := make([]tableEntry, len(t.listeners[ev.Channel]))
	copy(entries, t.listeners[ev.Channel])
	t.mu.RUnlock()

	for _, e := range entries {
		t.call(e, ev, args)
	}
	return len(entries)
}

func (t *ListenerTable) call(e tableEntry, ev *Event, args Args) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Raw listener panicked", "channel", ev.Channel, "listener_id", e.id, "panic", r)
		}
	}()
	e.fn(ev, args)
}
