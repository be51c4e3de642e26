package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-agent-core/internal/connectors"
)

// Методы удаленного Inference Engine. Запрос и ответ — google.protobuf.Struct.
const (
	MethodPlan       = "/spaceai.inference.v1.InferenceService/Plan"
	MethodNext       = "/spaceai.inference.v1.InferenceService/Next"
	MethodSynthesize = "/spaceai.inference.v1.InferenceService/Synthesize"
)

// GRPCEngine: клиент модели поверх того же Invoker, что и коннектор инструментов.
type GRPCEngine struct {
	conn    connectors.Invoker
	timeout time.Duration
}

func NewGRPCEngine(conn connectors.Invoker, timeout time.Duration) *GRPCEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GRPCEngine{conn: conn, timeout: timeout}
}

func (e *GRPCEngine) Plan(ctx context.Context, req Request) (*Plan, error) {
	var p Plan
	if err := e.call(ctx, MethodPlan, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e *GRPCEngine) Next(ctx context.Context, req Request) (*Turn, error) {
	var t Turn
	if err := e.call(ctx, MethodNext, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *GRPCEngine) Synthesize(ctx context.Context, req Request) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := e.call(ctx, MethodSynthesize, req, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// call: JSON -> Struct -> gRPC -> Struct -> JSON.
func (e *GRPCEngine) call(ctx context.Context, method string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("inference: encode request: %w", err)
	}
	req := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, req); err != nil {
		return fmt.Errorf("inference: build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("inference: %s: %w", method, err)
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	return nil
}
