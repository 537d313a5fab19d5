package flow

import (
	"github.com/billm/baaaht/ipcflow/internal/logger"
)

// tracer logs every channel action at debug level when enabled.
type tracer struct {
	enabled bool
	log     *logger.Logger
}

func (t tracer) trace(action, controller, op, ch string, payload ...any) {
	if !t.enabled {
		return
	}
	t.log.Debug("ipcflow",
		"action", action,
		"controller", controller,
		"operation", op,
		"channel", ch,
		"payload", payload)
}
