package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// ErrorObject is the transport-safe form of an error.
type ErrorObject struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Code    string         `json:"code,omitempty"`
	Cause   *ErrorObject   `json:"cause,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
}

// Named can be implemented by errors that want to choose their encoded name.
type Named interface {
	ErrorName() string
}

// StackTracer can be implemented by errors that carry their own stack.
type StackTracer interface {
	StackTrace() string
}

// EncodeError captures err into an ErrorObject. Message, name and stack
// survive a round trip through DecodeError exactly; the unwrap chain is kept
// as Cause and exported fields become Props.
func EncodeError(err error) ErrorObject {
	return encode(err, true)
}

func encode(err error, captureStack bool) ErrorObject {
	if err == nil {
		return ErrorObject{Name: "Error", Message: "unknown error"}
	}

	if remote, ok := err.(*RemoteError); ok {
		return remote.Object()
	}

	obj := ErrorObject{
		Name:    errorName(err),
		Message: err.Error(),
	}

	if st, ok := err.(StackTracer); ok {
		obj.Stack = st.StackTrace()
	} else if captureStack {
		obj.Stack = string(debug.Stack())
	}

	if te, ok := err.(*types.Error); ok {
		obj.Code = te.Code
	} else {
		obj.Code = types.GetErrorCode(err)
		obj.Props = exportedProps(err)
	}

	if cause := errors.Unwrap(err); cause != nil {
		c := encode(cause, false)
		obj.Cause = &c
	} else if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := joined.Unwrap(); len(errs) > 0 {
			c := encode(errs[0], false)
			obj.Cause = &c
		}
	}

	return obj
}

func errorName(err error) string {
	if n, ok := err.(Named); ok {
		return n.ErrorName()
	}
	if te, ok := err.(*types.Error); ok && te.Code != "" {
		return te.Code
	}
	return strings.TrimLeft(fmt.Sprintf("%T", err), "*")
}

// exportedProps collects exported struct fields or string-keyed map entries
// of err that survive JSON encoding. Nested errors are skipped; they travel
// as Cause.
func exportedProps(err error) map[string]any {
	v := reflect.ValueOf(err)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	props := map[string]any{}
	errType := reflect.TypeOf((*error)(nil)).Elem()

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Type.Implements(errType) {
				continue
			}
			addProp(props, f.Name, v.Field(i).Interface())
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			addProp(props, iter.Key().String(), iter.Value().Interface())
		}
	}

	if len(props) == 0 {
		return nil
	}
	return props
}

func addProp(props map[string]any, key string, value any) {
	if _, isErr := value.(error); isErr {
		return
	}
	if _, err := json.Marshal(value); err != nil {
		return
	}
	props[key] = value
}

// RemoteError is an error decoded from an ErrorObject. Error returns the
// original message unchanged.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Code    string
	Props   map[string]any
	cause   *RemoteError
}

// DecodeError rebuilds an error from its encoded form.
func DecodeError(obj ErrorObject) error {
	return decode(obj)
}

func decode(obj ErrorObject) *RemoteError {
	r := &RemoteError{
		Name:    obj.Name,
		Message: obj.Message,
		Stack:   obj.Stack,
		Code:    obj.Code,
		Props:   obj.Props,
	}
	if obj.Cause != nil {
		r.cause = decode(*obj.Cause)
	}
	return r
}

func (r *RemoteError) Error() string {
	return r.Message
}

// ErrorName returns the encoded name so that re-encoding keeps it.
func (r *RemoteError) ErrorName() string {
	return r.Name
}

// StackTrace returns the stack captured on the side that raised the error.
func (r *RemoteError) StackTrace() string {
	return r.Stack
}

// Unwrap returns the decoded cause, if any.
func (r *RemoteError) Unwrap() error {
	if r.cause == nil {
		return nil
	}
	return r.cause
}

// Is matches a *types.Error target by code and a *RemoteError target by
// name and message.
func (r *RemoteError) Is(target error) bool {
	switch t := target.(type) {
	case *types.Error:
		return r.Code != "" && (t.Code == "" || t.Code == r.Code)
	case *RemoteError:
		return t.Name == r.Name && t.Message == r.Message
	}
	return false
}

// Object returns the encoded form of r.
func (r *RemoteError) Object() ErrorObject {
	obj := ErrorObject{
		Name:    r.Name,
		Message: r.Message,
		Stack:   r.Stack,
		Code:    r.Code,
		Props:   r.Props,
	}
	if r.cause != nil {
		c := r.cause.Object()
		obj.Cause = &c
	}
	return obj
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
	stack string
}

func newPanicError(v any) *PanicError {
	if pe, ok := v.(*PanicError); ok {
		return pe
	}
	return &PanicError{Value: v, stack: string(debug.Stack())}
}

func (p *PanicError) Error() string {
	if err, ok := p.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(p.Value)
}

func (p *PanicError) ErrorName() string { return "Panic" }

func (p *PanicError) StackTrace() string { return p.stack }

func (p *PanicError) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}
