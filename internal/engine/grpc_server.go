package engine

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/infra/auth"
)

// AgentServiceName: gRPC сервис запуска и управления инстансами.
// Сообщения — google.protobuf.Struct с теми же полями, что и JSON в Console API.
const AgentServiceName = "spaceai.agent.v1.AgentService"

// AgentServer: gRPC поверхность над Runtime (для внутренних сервисов).
type AgentServer struct {
	rt *Runtime
}

func NewAgentServer(rt *Runtime) *AgentServer {
	return &AgentServer{rt: rt}
}

// Register подключает сервис к grpc.Server без сгенерированного кода.
func (s *AgentServer) Register(gs *grpc.Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: AgentServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateInstance", Handler: unary(AgentServiceName+"/CreateInstance", s.createInstance)},
			{MethodName: "CancelInstance", Handler: unary(AgentServiceName+"/CancelInstance", s.cancelInstance)},
			{MethodName: "GetInstance", Handler: unary(AgentServiceName+"/GetInstance", s.getInstance)},
		},
		Metadata: "spaceai/agent/v1/agent.proto",
	}, s)
}

func (s *AgentServer) createInstance(ctx context.Context, actor domain.Actor, req *structpb.Struct) (*structpb.Struct, error) {
	var cr CreateRequest
	if err := fromStruct(req, &cr); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if cr.TemplateID == "" {
		return nil, status.Error(codes.InvalidArgument, "template_id is required")
	}
	inst, err := s.rt.CreateInstance(ctx, actor, cr)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(inst)
}

func (s *AgentServer) cancelInstance(ctx context.Context, actor domain.Actor, req *structpb.Struct) (*structpb.Struct, error) {
	inst, err := s.rt.Cancel(ctx, actor, req.GetFields()["instance_id"].GetStringValue())
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(inst)
}

func (s *AgentServer) getInstance(ctx context.Context, actor domain.Actor, req *structpb.Struct) (*structpb.Struct, error) {
	inst, err := s.rt.Get(ctx, req.GetFields()["instance_id"].GetStringValue())
	if err != nil {
		return nil, statusFromError(err)
	}
	if !actor.CanManage(inst.OwnerID, inst.OrgID) {
		return nil, status.Error(codes.PermissionDenied, "instance is not visible to caller")
	}
	return toStruct(inst)
}

type structHandler func(ctx context.Context, actor domain.Actor, req *structpb.Struct) (*structpb.Struct, error)

// unary превращает structHandler в grpc.MethodDesc.Handler с поддержкой интерсепторов.
func unary(fullMethod string, h structHandler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			actor, ok := auth.ActorFromContext(ctx)
			if !ok {
				return nil, status.Error(codes.Unauthenticated, "missing actor")
			}
			return h(ctx, actor, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: "/" + fullMethod}, call)
	}
}

// statusFromError переводит таксономию ошибок в gRPC коды.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrTemplateNotFound), errors.Is(err, domain.ErrInstanceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrTemplateRetired):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStruct(in *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
