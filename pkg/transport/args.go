package transport

import (
	"fmt"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Args is the argument list of one delivery or invocation.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Get returns argument i, or nil when out of range.
func (a Args) Get(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v := a.Get(i)
	s, ok := v.(string)
	if !ok {
		return "", types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("argument %d is %T, not a string", i, v))
	}
	return s, nil
}

// Decode converts argument i into out, which must be a pointer, by passing
// it through the default codec.
func (a Args) Decode(i int, out any) error {
	if i < 0 || i >= len(a) {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("argument %d missing (have %d)", i, len(a)))
	}
	return Convert(a[i], out)
}
