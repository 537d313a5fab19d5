// Package transport defines the raw message transport contracts the
// controller layer is built on, plus the JSON codec used to emulate
// structured cloning of payloads.
package transport

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Frame addresses one execution context inside a destination. A zero
// ProcessID means the destination's own process.
type Frame struct {
	ProcessID int `json:"process_id,omitempty"`
	FrameID   int `json:"frame_id"`
}

// FrameOf returns a frame in the destination's own process.
func FrameOf(id int) Frame {
	return Frame{FrameID: id}
}

// String returns "pid:fid" or just "fid".
func (f Frame) String() string {
	if f.ProcessID == 0 {
		return fmt.Sprintf("%d", f.FrameID)
	}
	return fmt.Sprintf("%d:%d", f.ProcessID, f.FrameID)
}

// Event is the invocation context token handed to raw listeners and
// handlers. Sender is nil when the transport cannot reply to the origin.
type Event struct {
	SenderID string
	Frame    Frame
	Channel  string
	Sender   Destination
	Metadata map[string]string
}

// RawListener receives a raw delivery on a channel.
type RawListener func(ev *Event, args Args)

// RawHandler answers a raw invocation. The returned value must survive the
// transport's codec.
type RawHandler func(ctx context.Context, ev *Event, args Args) (any, error)

// ServerTransport is the privileged side of a transport.
type ServerTransport interface {
	// On adds a raw listener and returns its identity.
	On(channel string, l RawListener) types.ID
	// Off removes the listener with the given identity. Unknown IDs are ignored.
	Off(channel string, id types.ID)
	// Handle installs the single handler for channel, replacing any previous one.
	Handle(channel string, h RawHandler)
	// RemoveHandler removes the handler for channel, if any.
	RemoveHandler(channel string)
}

// Destination is one client endpoint the privileged side can push to.
type Destination interface {
	ID() string
	Send(channel string, args ...any) error
	SendToFrame(frame Frame, channel string, args ...any) error
}

// ClientTransport is the worker side of a transport.
type ClientTransport interface {
	Send(channel string, args ...any) error
	Invoke(ctx context.Context, channel string, args ...any) (any, error)
	On(channel string, l RawListener) types.ID
	Off(channel string, id types.ID)
}

// DestinationResolver returns the current broadcast targets.
type DestinationResolver func(ctx context.Context) ([]Destination, error)

// StaticDestinations returns a resolver that always yields dests.
func StaticDestinations(dests ...Destination) DestinationResolver {
	return func(context.Context) ([]Destination, error) {
		out := make([]Destination, len(dests))
		copy(out, dests)
		return out, nil
	}
}
