package domain

import (
	"errors"
	"fmt"
)

// Таксономия отказов. Ошибки уровня одного вызова инструмента превращаются
// в observation для модели, ошибки Control Plane переводят инстанс в failed.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrToolNotFound      = errors.New("tool not found")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrApprovalTimeout   = errors.New("approval timeout")
	ErrSpawnDenied       = errors.New("spawn denied")
	ErrSandboxViolation  = errors.New("sandbox violation")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrTemplateRetired   = errors.New("template retired")
	ErrVersionConflict   = errors.New("template version already exists")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrToolCallNotFound  = errors.New("tool call not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("tool call already processed")
)

// DenialError несет причину отказа, чтобы аудит мог ответить "почему отказали"
// без доступа к живой системе. Unwrap возвращает сентинел из таксономии.
type DenialError struct {
	Kind   error  // ErrPermissionDenied, ErrSpawnDenied, ...
	Reason string // машиночитаемый код: "depth_exceeded", "empty_tools", ...
	Detail string
}

func (e *DenialError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Reason, e.Detail)
}

func (e *DenialError) Unwrap() error { return e.Kind }

// Deny собирает DenialError.
func Deny(kind error, reason, detail string) *DenialError {
	return &DenialError{Kind: kind, Reason: reason, Detail: detail}
}

// DenialReason достает код причины из цепочки ошибок, "" если это не отказ.
func DenialReason(err error) string {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}
