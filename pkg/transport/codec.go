package transport

import (
	"encoding/json"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Codec serializes payloads crossing a process boundary. Its method set
// matches google.golang.org/grpc/encoding.Codec so a Codec can be
// registered with gRPC directly.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name returns the codec name.
func (JSONCodec) Name() string {
	return "json"
}

// DefaultCodec is used by Clone, CloneArgs and Convert.
var DefaultCodec Codec = JSONCodec{}

// Clone returns a deep copy of v as another process would see it: only
// state the codec can carry survives, and structs arrive as generic maps.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := DefaultCodec.Marshal(v)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "value cannot be cloned", err)
	}
	var out any
	if err := DefaultCodec.Unmarshal(data, &out); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to decode cloned value", err)
	}
	return out, nil
}

// CloneArgs clones each argument.
func CloneArgs(args []any) (Args, error) {
	out := make(Args, len(args))
	for i, a := range args {
		c, err := Clone(a)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Convert decodes a cloned value into the typed destination out.
func Convert(v any, out any) error {
	data, err := DefaultCodec.Marshal(v)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "value cannot be encoded", err)
	}
	if err := DefaultCodec.Unmarshal(data, out); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "value does not match destination type", err)
	}
	return nil
}
