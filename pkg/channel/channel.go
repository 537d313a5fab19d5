// Package channel maps (controller, operation, kind) triples onto the wire
// channel strings shared by every controller on one transport.
package channel

import (
	"fmt"
	"strings"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Prefix is the namespace prefix of every channel produced by Name.
const Prefix = "$ipcflow$"

// Separator joins the parts of a channel.
const Separator = "||"

// reserved may not appear anywhere in a controller or operation name. A
// lone '|' at either end would merge with the separator.
const reserved = "|"

// Kind identifies the direction and shape of an operation.
type Kind string

const (
	// KindServerEvent is an event sent from a client to the privileged side.
	KindServerEvent Kind = "s"
	// KindInvoke is a request/response invocation handled on the privileged side.
	KindInvoke Kind = "i"
	// KindClientEvent is an event pushed from the privileged side to clients.
	KindClientEvent Kind = "c"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindServerEvent, KindInvoke, KindClientEvent:
		return true
	}
	return false
}

// String returns a readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindServerEvent:
		return "server-event"
	case KindInvoke:
		return "invoke"
	case KindClientEvent:
		return "client-event"
	}
	return "unknown(" + string(k) + ")"
}

// Name returns the channel for the given triple. Callers validate the
// controller and operation names first; Name itself never fails.
func Name(controller, op string, kind Kind) string {
	return Prefix + Separator + string(kind) + Separator + controller + Separator + op
}

// ValidateController checks that name can be used as a controller name.
func ValidateController(name string) error {
	return validate("controller", name)
}

// ValidateOperation checks that name can be used as an event or handler name.
func ValidateOperation(name string) error {
	return validate("operation", name)
}

func validate(what, name string) error {
	if strings.TrimSpace(name) == "" {
		return types.NewError(types.ErrCodeInvalidArgument, what+" name cannot be empty")
	}
	if strings.Contains(name, reserved) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("%s name %q must not contain %q", what, name, reserved))
	}
	return nil
}

// Parse splits a channel produced by Name back into its parts.
func Parse(ch string) (controller, op string, kind Kind, err error) {
	parts := strings.Split(ch, Separator)
	if len(parts) != 4 || parts[0] != Prefix {
		return "", "", "", types.NewError(types.ErrCodeInvalidArgument, "not an ipcflow channel: "+ch)
	}
	kind = Kind(parts[1])
	if !kind.Valid() {
		return "", "", "", types.NewError(types.ErrCodeInvalidArgument, "unknown channel kind in "+ch)
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", "", types.NewError(types.ErrCodeInvalidArgument, "empty name in channel "+ch)
	}
	if strings.Contains(parts[2], reserved) || strings.Contains(parts[3], reserved) {
		return "", "", "", types.NewError(types.ErrCodeInvalidArgument, "malformed channel "+ch)
	}
	return parts[2], parts[3], kind, nil
}
