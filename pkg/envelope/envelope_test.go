package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaError struct {
	Limit   int
	Tenant  string
	private string
}

func (e *quotaError) Error() string { return fmt.Sprintf("quota %d exceeded for %s", e.Limit, e.Tenant) }

func TestWrap(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		fn        func(context.Context) (any, error)
		wantErr   bool
		wantValue any
		wantMsg   string
	}{
		{
			name:      "plain value",
			fn:        func(context.Context) (any, error) { return 42, nil },
			wantValue: 42,
		},
		{
			name:      "void",
			fn:        func(context.Context) (any, error) { return nil, nil },
			wantValue: nil,
		},
		{
			name:    "returned error",
			fn:      func(context.Context) (any, error) { return nil, errors.New("x") },
			wantErr: true,
			wantMsg: "x",
		},
		{
			name:    "panic",
			fn:      func(context.Context) (any, error) { panic("boom") },
			wantErr: true,
			wantMsg: "boom",
		},
		{
			name: "nested futures",
			fn: func(context.Context) (any, error) {
				return Go(func() (any, error) {
					return Resolved(Go(func() (any, error) { return "deep", nil })), nil
				}), nil
			},
			wantValue: "deep",
		},
		{
			name: "nested rejection",
			fn: func(context.Context) (any, error) {
				return Resolved(Rejected(errors.New("late failure"))), nil
			},
			wantErr: true,
			wantMsg: "late failure",
		},
		{
			name: "panic inside future",
			fn: func(context.Context) (any, error) {
				return Go(func() (any, error) { panic(errors.New("async boom")) }), nil
			},
			wantErr: true,
			wantMsg: "async boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Wrap(ctx, tt.fn)
			v, err := env.Unwrap()
			if tt.wantErr {
				require.True(t, env.IsError())
				require.Error(t, err)
				assert.Equal(t, tt.wantMsg, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusOK, env.Status)
			assert.Equal(t, tt.wantValue, v)
		})
	}
}

func TestErrorRoundTrip(t *testing.T) {
	orig := fmt.Errorf("saving settings: %w", &quotaError{Limit: 3, Tenant: "acme", private: "hidden"})

	failed := Failure(orig)
	obj, ok := failed.Value.(ErrorObject)
	require.True(t, ok)
	assert.Equal(t, "fmt.wrapError", obj.Name)
	assert.Equal(t, orig.Error(), obj.Message)
	assert.NotEmpty(t, obj.Stack)
	require.NotNil(t, obj.Cause)
	assert.Equal(t, "envelope.quotaError", obj.Cause.Name)
	assert.Equal(t, map[string]any{"Limit": 3, "Tenant": "acme"}, obj.Cause.Props)

	// Through a JSON clone, as a transport would deliver it.
	data, err := json.Marshal(failed)
	require.NoError(t, err)
	env, err := Parse(data)
	require.NoError(t, err)

	_, decoded := env.Unwrap()
	require.Error(t, decoded)

	var remote *RemoteError
	require.ErrorAs(t, decoded, &remote)
	assert.Equal(t, obj.Name, remote.Name)
	assert.Equal(t, obj.Message, remote.Error())
	assert.Equal(t, obj.Stack, remote.Stack)

	cause := errors.Unwrap(decoded)
	require.NotNil(t, cause)
	assert.Equal(t, "quota 3 exceeded for acme", cause.Error())

	// Re-encoding a decoded error keeps it unchanged.
	again := EncodeError(decoded)
	assert.Equal(t, remote.Object(), again)
}

func TestTypedErrorCodeSurvives(t *testing.T) {
	orig := types.NewError(types.ErrCodePermissionDenied, "no access")
	_, err := Failure(orig).Unwrap()
	require.Error(t, err)

	assert.Equal(t, orig.Error(), err.Error())
	assert.ErrorIs(t, err, types.NewError(types.ErrCodePermissionDenied, ""))
	assert.NotErrorIs(t, err, types.NewError(types.ErrCodeNotFound, ""))
	assert.Equal(t, types.ErrCodePermissionDenied, err.(*RemoteError).Code)
}

func TestParse(t *testing.T) {
	env, err := Parse(map[string]any{"status": "ok", "value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, OK("hi"), env)

	p := &Envelope{Status: StatusOK, Value: 1.0}
	env, err = Parse(p)
	require.NoError(t, err)
	assert.Equal(t, 1.0, env.Value)

	_, err = Parse(map[string]any{"status": "maybe"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	_, err = Parse(12)
	assert.Error(t, err)

	_, err = Parse([]byte("{not json"))
	assert.Error(t, err)
}

func TestUnwrapStringError(t *testing.T) {
	_, err := Envelope{Status: StatusError, Value: "plain failure"}.Unwrap()
	require.Error(t, err)
	assert.Equal(t, "plain failure", err.Error())
}

func TestResolveCanceled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Resolve(ctx, Go(func() (any, error) {
		<-block
		return nil, nil
	}))
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestFutureFunc(t *testing.T) {
	v, err := Resolve(context.Background(), FutureFunc(func(ctx context.Context) (any, error) {
		return Resolved(7), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
