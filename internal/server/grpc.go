package server

import (
	"context"
	"encoding/json"
	"net"

	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/config"
	"github.com/questforge/encounter-server/internal/gateway"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "encounter.v1.EncounterService"

// CodecName is the content subtype clients must request, e.g. with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries the gateway request and response types as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RollInitiativeResponse wraps the seated initiative order.
type RollInitiativeResponse struct {
	Initiative []combat.InitiativeEntry `json:"initiative"`
}

// EncounterService is the gRPC surface of the gateway.
type EncounterService interface {
	RollInitiative(context.Context, *gateway.RollInitiativeRequest) (*RollInitiativeResponse, error)
	ApplyDamage(context.Context, *gateway.DamageRequest) (*combat.DamageResult, error)
	ApplyHealing(context.Context, *gateway.HealingRequest) (*combat.HealingResult, error)
	AdvanceTurn(context.Context, *gateway.AdvanceTurnRequest) (*combat.TurnState, error)
	SubmitSaveResult(context.Context, *gateway.SubmitSaveRequest) (*combat.SubmitResult, error)
	ApplyCondition(context.Context, *gateway.ApplyConditionRequest) (*combat.ApplyConditionResult, error)
	ManageEffect(context.Context, *gateway.ManageEffectRequest) (*gateway.ManageEffectResponse, error)
	UndoAction(context.Context, *gateway.UndoRequest) (*combat.LogEntry, error)
}

// encounterServer implements EncounterService over the gateway.
type encounterServer struct {
	gw     *gateway.Gateway
	logger *zap.Logger
}

// NewEncounterService creates the gRPC service implementation.
func NewEncounterService(gw *gateway.Gateway, logger *zap.Logger) EncounterService {
	return &encounterServer{gw: gw, logger: logger}
}

func (s *encounterServer) RollInitiative(ctx context.Context, req *gateway.RollInitiativeRequest) (*RollInitiativeResponse, error) {
	entries, err := s.gw.RollInitiative(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &RollInitiativeResponse{Initiative: entries}, nil
}

func (s *encounterServer) ApplyDamage(ctx context.Context, req *gateway.DamageRequest) (*combat.DamageResult, error) {
	result, err := s.gw.ApplyDamage(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *encounterServer) ApplyHealing(ctx context.Context, req *gateway.HealingRequest) (*combat.HealingResult, error) {
	result, err := s.gw.ApplyHealing(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *encounterServer) AdvanceTurn(ctx context.Context, req *gateway.AdvanceTurnRequest) (*combat.TurnState, error) {
	turn, err := s.gw.AdvanceTurn(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (s *encounterServer) SubmitSaveResult(ctx context.Context, req *gateway.SubmitSaveRequest) (*combat.SubmitResult, error) {
	result, err := s.gw.SubmitSaveResult(ctx, *req)
	if err != nil {
		return nil, err
	}
	if len(result.ConcentrationBroken) > 0 {
		s.logger.Info("save failure broke concentration",
			zap.String("save_prompt_id", req.SavePromptID),
			zap.String("character_id", req.CharacterID),
			zap.Int("effects_ended", len(result.ConcentrationBroken)),
		)
	}
	return &result, nil
}

func (s *encounterServer) ApplyCondition(ctx context.Context, req *gateway.ApplyConditionRequest) (*combat.ApplyConditionResult, error) {
	result, err := s.gw.ApplyCondition(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *encounterServer) ManageEffect(ctx context.Context, req *gateway.ManageEffectRequest) (*gateway.ManageEffectResponse, error) {
	resp, err := s.gw.ManageEffect(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *encounterServer) UndoAction(ctx context.Context, req *gateway.UndoRequest) (*combat.LogEntry, error) {
	entry, err := s.gw.UndoAction(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// unaryMethod adapts a typed EncounterService method to a grpc.MethodHandler.
// Domain errors are converted to gRPC statuses here.
func unaryMethod[Req, Resp any](name string, call func(EncounterService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			handler := func(ctx context.Context, in any) (any, error) {
				resp, err := call(srv.(EncounterService), ctx, in.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// EncounterServiceDesc describes encounter.v1.EncounterService.
var EncounterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EncounterService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RollInitiative", EncounterService.RollInitiative),
		unaryMethod("ApplyDamage", EncounterService.ApplyDamage),
		unaryMethod("ApplyHealing", EncounterService.ApplyHealing),
		unaryMethod("AdvanceTurn", EncounterService.AdvanceTurn),
		unaryMethod("SubmitSaveResult", EncounterService.SubmitSaveResult),
		unaryMethod("ApplyCondition", EncounterService.ApplyCondition),
		unaryMethod("ManageEffect", EncounterService.ManageEffect),
		unaryMethod("UndoAction", EncounterService.UndoAction),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "encounter/v1/encounter.proto",
}

// NewGRPCServer builds a gRPC server exposing the encounter service and the
// standard health service.
func NewGRPCServer(gw *gateway.Gateway, cfg config.GRPCConfig, logger *zap.Logger) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(ChainUnaryInterceptors(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			AuthInterceptor(gw),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConcurrentStreams)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&EncounterServiceDesc, NewEncounterService(gw, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv, healthServer
}

// extractHostFromContext returns the caller's host for logging.
func extractHostFromContext(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != net.Addr(nil) {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
