// Package envelope defines the result envelope returned for every
// invocation, the codec that carries errors across the process boundary,
// and the pending-value (Future) resolution used by handlers.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Status tags an envelope as a result or an error.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Envelope is the reply of one invocation. On StatusOK Value holds the
// handler's final value; on StatusError it holds an ErrorObject.
type Envelope struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
}

// OK returns a successful envelope.
func OK(value any) Envelope {
	return Envelope{Status: StatusOK, Value: value}
}

// Failure returns an error envelope carrying the encoded err.
func Failure(err error) Envelope {
	return Envelope{Status: StatusError, Value: EncodeError(err)}
}

// IsError reports whether the envelope carries an error.
func (e Envelope) IsError() bool {
	return e.Status == StatusError
}

// Unwrap returns the value of an OK envelope or the decoded error of an
// error envelope.
func (e Envelope) Unwrap() (any, error) {
	switch e.Status {
	case StatusOK:
		return e.Value, nil
	case StatusError:
		obj, err := toErrorObject(e.Value)
		if err != nil {
			return nil, err
		}
		return nil, DecodeError(obj)
	default:
		return nil, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unknown envelope status %q", e.Status))
	}
}

// Wrap runs fn and turns its outcome into exactly one envelope. Returned
// errors, panics and rejected futures, at any nesting depth, become error
// envelopes.
func Wrap(ctx context.Context, fn func(ctx context.Context) (any, error)) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = Failure(newPanicError(r))
		}
	}()

	v, err := fn(ctx)
	if err != nil {
		return Failure(err)
	}
	v, err = Resolve(ctx, v)
	if err != nil {
		return Failure(err)
	}
	return OK(v)
}

// Parse rebuilds an envelope from whatever a transport delivered: an
// Envelope, a pointer to one, a generic map produced by a JSON clone, or raw
// JSON bytes.
func Parse(raw any) (Envelope, error) {
	switch v := raw.(type) {
	case Envelope:
		return v, nil
	case *Envelope:
		if v == nil {
			return Envelope{}, types.NewError(types.ErrCodeInvalid, "nil envelope")
		}
		return *v, nil
	case json.RawMessage:
		return parseJSON(v)
	case []byte:
		return parseJSON(v)
	case map[string]any:
		status, _ := v["status"].(string)
		env := Envelope{Status: Status(status), Value: v["value"]}
		if env.Status != StatusOK && env.Status != StatusError {
			return Envelope{}, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unknown envelope status %q", status))
		}
		return env, nil
	default:
		return Envelope{}, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("cannot parse envelope from %T", raw))
	}
}

func parseJSON(data []byte) (Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, types.WrapError(types.ErrCodeInvalid, "invalid envelope JSON", err)
	}
	return Parse(m)
}

// toErrorObject accepts an ErrorObject in any of the shapes a transport may
// hand back.
func toErrorObject(v any) (ErrorObject, error) {
	switch o := v.(type) {
	case ErrorObject:
		return o, nil
	case *ErrorObject:
		if o != nil {
			return *o, nil
		}
	case map[string]any, json.RawMessage, []byte:
		var data []byte
		switch b := o.(type) {
		case json.RawMessage:
			data = b
		case []byte:
			data = b
		default:
			var err error
			if data, err = json.Marshal(o); err != nil {
				return ErrorObject{}, types.WrapError(types.ErrCodeInvalid, "invalid error object", err)
			}
		}
		var obj ErrorObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return ErrorObject{}, types.WrapError(types.ErrCodeInvalid, "invalid error object", err)
		}
		return obj, nil
	case string:
		return ErrorObject{Name: "Error", Message: o}, nil
	}
	return ErrorObject{}, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("cannot decode error from %T", v))
}
