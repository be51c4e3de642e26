package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

type replyInvoker struct {
	method string
	req    map[string]any
	reply  map[string]any
	err    error
}

func (r *replyInvoker) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	r.method = method
	r.req = args.(*structpb.Struct).AsMap()
	if r.err != nil {
		return r.err
	}
	s, err := structpb.NewStruct(r.reply)
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), s)
	return nil
}

func TestGRPCEngine_Next(t *testing.T) {
	inv := &replyInvoker{reply: map[string]any{
		"content": "searching",
		"tool_calls": []any{
			map[string]any{"tool_id": "rag", "arguments": map[string]any{"query": "gdpr"}},
		},
		"spawn_intents": []any{
			map[string]any{"template_id": "summarizer", "input": "summarize", "await": true},
		},
	}}
	e := NewGRPCEngine(inv, 0)

	turn, err := e.Next(context.Background(), Request{
		InstanceID: "inst-1",
		Model:      "gpt-x",
		Transcript: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
		Tools:      []tools.Schema{{ID: "rag", Description: "search"}},
	})
	require.NoError(t, err)

	assert.Equal(t, MethodNext, inv.method)
	assert.Equal(t, "inst-1", inv.req["instance_id"])
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, "rag", turn.ToolCalls[0].ToolID)
	assert.JSONEq(t, `{"query":"gdpr"}`, string(turn.ToolCalls[0].Arguments))
	require.Len(t, turn.SpawnIntents, 1)
	assert.True(t, turn.SpawnIntents[0].Await)
}

func TestGRPCEngine_PlanAndSynthesize(t *testing.T) {
	inv := &replyInvoker{reply: map[string]any{
		"steps": []any{map[string]any{"tool_id": "web", "goal": "find sources"}},
	}}
	e := NewGRPCEngine(inv, 0)

	plan, err := e.Plan(context.Background(), Request{InstanceID: "inst-1"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "web", plan.Steps[0].ToolID)

	inv.reply = map[string]any{"content": "final answer"}
	out, err := e.Synthesize(context.Background(), Request{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, "final answer", out)
	assert.Equal(t, MethodSynthesize, inv.method)

	inv.err = errors.New("unavailable")
	_, err = e.Synthesize(context.Background(), Request{})
	assert.Error(t, err)
}
