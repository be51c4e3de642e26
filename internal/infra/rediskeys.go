package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "spaceai"
)

// Ключи для Sets (состояние)
const (
	RedisKeyStrictOwners = RedisNamespace + ":owners:strict_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions — канал для трансляции решений оператора (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:decisions"
	RedisChanCancel            = RedisNamespace + ":instances:cancel-signal"
	RedisChanStrictMode        = RedisNamespace + ":owners:strict-signal"
	RedisChanPolicyUpdate      = RedisNamespace + ":policies:update"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
