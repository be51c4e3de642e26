package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/infra"
)

// cancelSignal: формат "instance_id:actor_id" для канала отмены.
func cancelSignal(instanceID, actorID string) string {
	return instanceID + ":" + actorID
}

func parseCancelSignal(payload string) (instanceID, actorID string, ok bool) {
	instanceID, actorID, ok = strings.Cut(payload, ":")
	if !ok || instanceID == "" {
		return "", "", false
	}
	return instanceID, actorID, true
}

// StartListener принимает отмены от других реплик. Сигнал для инстанса,
// который крутится не здесь, игнорируется.
func (rt *Runtime) StartListener(ctx context.Context) {
	if rt.Redis == nil {
		return
	}
	logger := rt.logger.With(zap.String("mod", "cancel-listener"))
	infra.ListenResilient(ctx, rt.Redis, logger, infra.RedisChanCancel, nil, func(payload string) {
		id, actor, ok := parseCancelSignal(payload)
		if !ok {
			logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		if r := rt.local(id); r != nil {
			logger.Info("cancel signal received", zap.String("instance_id", id), zap.String("actor", actor))
			r.requestCancel(actor)
		}
	})
}
