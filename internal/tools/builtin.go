package tools

import (
	"encoding/json"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// Builtin: декларативная классификация стандартных инструментов.
// Реализации подставляются через exec (mock или удаленный коннектор).
func Builtin(exec Executor) []Descriptor {
	return []Descriptor{
		{
			ID:          "rag",
			Description: "Search the organization knowledge base.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Kind:        KindRead,
			BaseTier:    domain.TierSafe,
			Required:    []string{"query"},
			Idempotent:  true,
			Executor:    exec,
		},
		{
			ID:          "web",
			Description: "Fetch a public web page or run a web search.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Kind:        KindNetwork,
			BaseTier:    domain.TierSafe,
			Required:    []string{"query"},
			Idempotent:  true,
			Executor:    exec,
		},
		{
			ID:          "python",
			Description: "Execute a Python snippet in an isolated interpreter.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`),
			Kind:        KindCompute,
			BaseTier:    domain.TierModerate,
			Required:    []string{"code"},
			Executor:    exec,
		},
		{
			ID:          "fs.read",
			Description: "Read a file inside the instance sandbox.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			Kind:        KindRead,
			BaseTier:    domain.TierSafe,
			Required:    []string{"path"},
			PathArgs:    []string{"path"},
			Idempotent:  true,
			Executor:    exec,
		},
		{
			ID:          "fs.write",
			Description: "Write a file inside the instance sandbox.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
			Kind:        KindWrite,
			BaseTier:    domain.TierModerate,
			Required:    []string{"path", "content"},
			PathArgs:    []string{"path"},
			Executor:    exec,
		},
		{
			ID:          "shell.exec",
			Description: "Run a shell command with the sandbox root as working directory.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"}},"required":["command"]}`),
			Kind:        KindExec,
			BaseTier:    domain.TierDangerous,
			Required:    []string{"command"},
			PathArgs:    []string{"cwd"},
			CommandArg:  "command",
			Executor:    exec,
		},
		{
			ID:          "payments.transfer",
			Description: "Transfer funds between internal accounts.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"amount":{"type":"number"},"to":{"type":"string"}},"required":["amount","to"]}`),
			Kind:        KindNetwork,
			BaseTier:    domain.TierModerate,
			Required:    []string{"amount", "to"},
			RiskField:   "amount",
			Threshold:   1000,
			Executor:    exec,
		},
	}
}
