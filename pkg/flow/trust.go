package flow

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/envelope"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// TrustKind says what kind of inbound operation is being authorized.
type TrustKind string

const (
	TrustEvent  TrustKind = "event"
	TrustInvoke TrustKind = "invoke"
)

// TrustRequest describes one inbound event delivery or invocation.
type TrustRequest struct {
	Controller string
	Operation  string
	Kind       TrustKind
	Event      *transport.Event
}

// TrustFunc decides whether an inbound operation may run. Returning an
// error counts as a denial.
type TrustFunc func(ctx context.Context, req TrustRequest) (bool, error)

// AllowAll is the builtin trust predicate.
func AllowAll(context.Context, TrustRequest) (bool, error) {
	return true, nil
}

// DenyAll rejects every inbound operation.
func DenyAll(context.Context, TrustRequest) (bool, error) {
	return false, nil
}

// BlockedMessage is the only detail a caller learns about a denied
// invocation.
const BlockedMessage = "Blocked by trust handler"

// ErrBlocked matches, with errors.Is, the error returned to a client whose
// invocation was denied.
var ErrBlocked = types.NewError(types.ErrCodePermissionDenied, BlockedMessage)

// blockedEnvelope carries no stack or cause from the privileged side.
func blockedEnvelope() envelope.Envelope {
	return envelope.Envelope{
		Status: envelope.StatusError,
		Value: envelope.ErrorObject{
			Name:    types.ErrCodePermissionDenied,
			Message: BlockedMessage,
			Code:    types.ErrCodePermissionDenied,
		},
	}
}

// checkTrust runs fn once. Errors and panics are logged and deny.
func checkTrust(ctx context.Context, fn TrustFunc, req TrustRequest, log *logger.Logger) (allowed bool) {
	if fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Trust handler panicked",
				"controller", req.Controller,
				"operation", req.Operation,
				"kind", req.Kind,
				"panic", fmt.Sprint(r))
			allowed = false
		}
	}()

	ok, err := fn(ctx, req)
	if err != nil {
		log.Warn("Trust handler failed",
			"controller", req.Controller,
			"operation", req.Operation,
			"kind", req.Kind,
			"error", err)
		return false
	}
	if !ok {
		log.Debug("Blocked by trust handler",
			"controller", req.Controller,
			"operation", req.Operation,
			"kind", req.Kind)
	}
	return ok
}
