package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockSystemsConnector имитирует исполнителей стандартных инструментов
// (dev-режим и тесты). MaxLatency 0 — без задержки.
type MockSystemsConnector struct {
	MaxLatency time.Duration
}

func (c *MockSystemsConnector) Call(ctx context.Context, toolID string, payload []byte) ([]byte, error) {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var args map[string]any
	_ = json.Unmarshal(payload, &args)

	switch toolID {
	case "rag":
		return json.Marshal(map[string]any{"status": "success", "documents": []string{"doc-1", "doc-2"}, "query": args["query"]})
	case "web":
		return json.Marshal(map[string]any{"status": "success", "results": 3, "query": args["query"]})
	case "python":
		return []byte(`{"status": "success", "stdout": "42\n"}`), nil
	case "fs.read":
		return json.Marshal(map[string]any{"status": "success", "path": args["path"], "content": ""})
	case "fs.write":
		return json.Marshal(map[string]any{"status": "written", "path": args["path"]})
	case "shell.exec":
		return []byte(`{"status": "success", "exit_code": 0}`), nil
	case "payments.transfer":
		return json.Marshal(map[string]any{"status": "transferred", "amount": args["amount"]})
	case "unstable.service":
		return nil, fmt.Errorf("service internal error")
	default:
		return nil, fmt.Errorf("tool %s not supported by connector", toolID)
	}
}
