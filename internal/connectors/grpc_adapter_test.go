package connectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

type fakeInvoker struct {
	gotMethod string
	gotReq    map[string]any
	reply     map[string]any
	err       error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	f.gotMethod = method
	f.gotReq = args.(*structpb.Struct).AsMap()
	if f.err != nil {
		return f.err
	}
	s, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), s)
	return nil
}

func TestGRPCAdapter_Call(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{
		"status_code": 0,
		"result":      map[string]any{"documents": 2},
	}}
	a := NewGRPCAdapter(inv, 0)

	out, err := a.Call(context.Background(), "rag", []byte(`{"query":"eu ai act"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"documents":2}`, string(out))
	assert.Equal(t, ExecuteMethod, inv.gotMethod)
	assert.Equal(t, "rag", inv.gotReq["tool_id"])
	assert.Equal(t, map[string]any{"query": "eu ai act"}, inv.gotReq["arguments"])
}

func TestGRPCAdapter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), domain.ErrExecutionTimeout},
		{"bad args", status.Error(codes.InvalidArgument, "nope"), domain.ErrInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewGRPCAdapter(&fakeInvoker{err: tt.err}, 0)
			_, err := a.Call(context.Background(), "web", []byte(`{}`))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	a := NewGRPCAdapter(&fakeInvoker{err: status.Error(codes.ResourceExhausted, "busy")}, 0)
	_, err := a.Call(context.Background(), "web", []byte(`{}`))
	var throttle *ThrottleError
	assert.ErrorAs(t, err, &throttle)
}

func TestGRPCAdapter_ConnectorStatus(t *testing.T) {
	a := NewGRPCAdapter(&fakeInvoker{reply: map[string]any{"status_code": 500, "error_message": "boom"}}, 0)
	_, err := a.Call(context.Background(), "web", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = a.Call(context.Background(), "web", []byte(`not-json`))
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)
}
