package grpcbridge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

type subscription struct {
	ch     chan *Message
	closed bool
}

// Worker is one connected worker process. Each subscribed frame has its
// own push stream.
type Worker struct {
	mu     sync.Mutex
	id     string
	pid    int
	server *Server
	frames map[int]*subscription
}

var _ transport.Destination = (*Worker)(nil)

func newWorker(s *Server, id string, pid int) *Worker {
	return &Worker{
		id:     id,
		pid:    pid,
		server: s,
		frames: make(map[int]*subscription),
	}
}

// ID implements transport.Destination.
func (w *Worker) ID() string {
	return w.id
}

// Frames returns the subscribed frame IDs in ascending order.
func (w *Worker) Frames() []int {
	w.mu.Lock()
	ids := make([]int, 0, len(w.frames))
	for id := range w.frames {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// attach replaces any previous subscription of frame.
func (w *Worker) attach(frame, buffer int) (*subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.frames[frame]; ok {
		old.close()
	}
	sub := &subscription{ch: make(chan *Message, buffer)}
	w.frames[frame] = sub
	return sub, nil
}

// detach removes sub and returns the number of frames left.
func (w *Worker) detach(frame int, sub *subscription) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.frames[frame]; ok && cur == sub {
		cur.close()
		delete(w.frames, frame)
	}
	return len(w.frames)
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, sub := range w.frames {
		sub.close()
		delete(w.frames, id)
	}
}

// close must be called with the worker lock held.
func (s *subscription) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Send implements transport.Destination. It pushes to the lowest
// subscribed frame, which is the worker's main frame.
func (w *Worker) Send(channel string, args ...any) error {
	frames := w.Frames()
	if len(frames) == 0 {
		return types.NewError(types.ErrCodeUnavailable, "worker has no subscribed frame: "+w.id)
	}
	return w.push(frames[0], channel, args)
}

// SendToFrame implements transport.Destination.
func (w *Worker) SendToFrame(frame transport.Frame, channel string, args ...any) error {
	if frame.ProcessID != 0 && w.pid != 0 && frame.ProcessID != w.pid {
		return types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("process %d is not worker %s", frame.ProcessID, w.id))
	}
	return w.push(frame.FrameID, channel, args)
}

// push never blocks: a full stream buffer drops the message. The server
// counters are updated after the worker lock is released; attach and
// detach take the server lock before the worker lock.
func (w *Worker) push(frame int, channel string, args []any) error {
	if _, err := transport.DefaultCodec.Marshal(args); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "payload cannot be encoded", err)
	}
	msg := &Message{Channel: channel, Args: args}

	w.mu.Lock()
	sub, ok := w.frames[frame]
	if !ok || sub.closed {
		w.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("frame %d of worker %s is not subscribed", frame, w.id))
	}
	delivered := false
	select {
	case sub.ch <- msg:
		delivered = true
	default:
	}
	w.mu.Unlock()

	w.server.countPush(delivered)
	if !delivered {
		return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("push buffer full for worker %s frame %d", w.id, frame))
	}
	return nil
}
