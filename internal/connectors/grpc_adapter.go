package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// ExecuteMethod: полный gRPC метод удаленного коннектора.
// Запрос и ответ — google.protobuf.Struct, генерированный код не нужен.
const ExecuteMethod = "/spaceai.connector.v1.ConnectorService/Execute"

// Invoker: подмножество *grpc.ClientConn, которое нужно адаптеру.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

type GRPCAdapter struct {
	conn    Invoker
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn Invoker, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// Call реализует tools.Executor
func (a *GRPCAdapter) Call(ctx context.Context, toolID string, payload []byte) ([]byte, error) {
	// 1. JSON-байты -> Protobuf Struct
	var args map[string]any
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	argsStruct, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"tool_id":   toolID,
		"arguments": argsStruct.AsMap(),
		"source":    "agent-core",
	})
	if err != nil {
		return nil, fmt.Errorf("connector: build request: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. gRPC вызов к коннектору
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionTimeout, toolID)
		case codes.ResourceExhausted:
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		case codes.InvalidArgument:
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 4. Статус внутри ответа
	fields := resp.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		return nil, fmt.Errorf("connector returned error [%d]: %s", int(code), fields["error_message"].GetStringValue())
	}

	// 5. Результат обратно в JSON
	result := fields["result"].GetStructValue()
	resultBytes, err := json.Marshal(result.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}
