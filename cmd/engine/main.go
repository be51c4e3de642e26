package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spaceai-agent-core/internal/approval"
	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/connectors"
	"github.com/xela07ax/spaceai-agent-core/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-core/internal/console/server"
	"github.com/xela07ax/spaceai-agent-core/internal/console/service"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/engine"
	"github.com/xela07ax/spaceai-agent-core/internal/inference"
	"github.com/xela07ax/spaceai-agent-core/internal/infra"
	"github.com/xela07ax/spaceai-agent-core/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-core/internal/policy"
	"github.com/xela07ax/spaceai-agent-core/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-core/internal/repository/postgres"
	"github.com/xela07ax/spaceai-agent-core/internal/safety"
	"github.com/xela07ax/spaceai-agent-core/internal/sandbox"
	"github.com/xela07ax/spaceai-agent-core/internal/tools"
)

// storage: все, что процессу нужно от хранилища. Реализуют memory и postgres.
type storage interface {
	engine.Store
	engine.StrictProvider
	approval.Repository
	policy.PolicyRepository
	audit.StorageInterface
	service.TemplateRepository
	service.AuthProvider
	service.UserLookup
	service.DashboardRepository
	service.AuditLogProvider
	CreateUser(ctx context.Context, u *domain.User) error
	Ping(ctx context.Context) error
}

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine stopped with error", zap.Error(err))
	}
	logger.Info("engine exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизни процесса: SIGINT/SIGTERM останавливает слушателей и серверы
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Хранилище
	store, closeStore, err := openStorage(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis (опционально: без него одна реплика)
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		defer rdb.Close()
	}

	// 4. Ключи JWT
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	validator := auth.NewValidator(pubKey)

	// 5. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 6. Аудит: пишем пачками в фоне
	agentFS := audit.NewAgentFS(store, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferFill:    metrics.AuditBufferFill,
	})
	agentFS.Start()
	defer agentFS.Stop()

	// 7. Control Plane: политики и strict mode
	policies := policy.NewStore(store, rdb, logger)
	if err := policies.Refresh(appCtx); err != nil {
		return fmt.Errorf("policy warm-up: %w", err)
	}
	go policies.StartListener(appCtx)

	strict := engine.NewStrictOwners(rdb, store, logger)
	if err := strict.Init(appCtx); err != nil {
		return fmt.Errorf("strict mode warm-up: %w", err)
	}
	go strict.StartListener(appCtx)

	// 8. Execution Layer: коннекторы, модель, надежность
	var exec tools.Executor = &connectors.MockSystemsConnector{}
	if cfg.GRPC.ConnectorAddr != "" {
		conn, err := grpc.NewClient(cfg.GRPC.ConnectorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("connector client: %w", err)
		}
		defer conn.Close()
		exec = connectors.NewGRPCAdapter(conn, cfg.Engine.ToolCallTimeout)
	} else {
		logger.Warn("grpc.connector_addr is empty, tools run on the mock connector")
	}

	registry := tools.NewRegistry()
	for _, d := range tools.Builtin(exec) {
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	infConn, err := grpc.NewClient(cfg.GRPC.InferenceAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("inference client: %w", err)
	}
	defer infConn.Close()

	reliability := engine.NewReliabilityWrapper(engine.ReliabilityOptions{
		CallTimeout:  cfg.Engine.ToolCallTimeout,
		RateLimit:    cfg.Engine.ToolRateLimit,
		RateBurst:    cfg.Engine.ToolRateBurst,
		RetryBackoff: cfg.Engine.ToolRetryBackoff,
		CBMaxReqs:    uint32(cfg.Engine.CBMaxRequests),
		CBInterval:   cfg.Engine.CBInterval,
		CBTimeout:    cfg.Engine.CBTimeout,
	}, metrics)

	gate := approval.NewGate(store, agentFS, rdb, logger, approval.Options{
		DefaultTimeout: cfg.Engine.ApprovalTimeout,
		WaitSeconds:    metrics.ApprovalWait,
	})
	go gate.StartListener(appCtx)

	// 9. Core
	rt := engine.NewRuntime(engine.Deps{
		Store:      store,
		Policies:   policies,
		Strict:     strict,
		Registry:   registry,
		Classifier: safety.NewClassifier(registry, logger),
		Sandbox:    sandbox.NewEnforcer(cfg.Sandbox.Root),
		Gate:       gate,
		Inference:  inference.NewGRPCEngine(infConn, cfg.GRPC.InferenceTimeout),
		Executor:   reliability,
		Auditor:    agentFS,
		Metrics:    metrics,
		Redis:      rdb,
		Logger:     logger,
		Config: engine.Config{
			ApprovalTimeout: cfg.Engine.ApprovalTimeout,
			InstanceTimeout: cfg.Engine.InstanceTimeout,
			ReplicaID:       cfg.Engine.ReplicaID,
			LeaseTTL:        cfg.Engine.LeaseTTL,
		},
	})
	if _, _, err := rt.Recover(appCtx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	go rt.StartListener(appCtx)
	go rt.StartLeases(appCtx)

	if err := bootstrapAdmin(appCtx, cfg, store, logger); err != nil {
		return err
	}

	// 10. HTTP: Console API
	console := server.NewConsoleServer(logger, validator, server.Handlers{
		Auth:      handler.NewAuthHandler(service.NewAuthService(store, auth.NewIssuer(privKey, cfg.Auth.TokenTTL), logger)),
		Templates: handler.NewTemplateHandler(service.NewTemplateService(store, logger)),
		Policies:  handler.NewPolicyHandler(service.NewPolicyService(store, policies, store, logger)),
		Instances: handler.NewInstanceHandler(service.NewInstanceService(rt)),
		Approvals: handler.NewApprovalHandler(service.NewApprovalService(gate, logger)),
		Dashboard: handler.NewDashboardHandler(service.NewAdminService(store, strict, logger)),
		Audit:     handler.NewAuditHandler(service.NewAuditService(store, store)),
	})
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	// 11. gRPC: AgentService + health
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
	engine.NewAgentServer(rt).Register(grpcSrv)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(engine.AgentServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC server started", zap.Int("port", cfg.GRPC.Port))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("console API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	// 12. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("engine stopping...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	healthSrv.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	// Инстансы приостанавливаются и продолжат после рестарта через Recover
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime shutdown timed out", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return runErr
}

func openStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (storage, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage, state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	db, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, db.Close, nil
}

// bootstrapAdmin заводит админа платформы, если он задан в конфиге и еще не существует.
func bootstrapAdmin(ctx context.Context, cfg *infra.Config, store storage, logger *zap.Logger) error {
	name := cfg.Auth.BootstrapAdmin
	if name == "" {
		return nil
	}
	if _, err := store.GetUserByUsername(ctx, name); err == nil {
		return nil
	}
	if cfg.Auth.BootstrapPassword == "" {
		return errors.New("auth.bootstrap_password is required with auth.bootstrap_admin")
	}

	hash, err := service.HashPassword(cfg.Auth.BootstrapPassword, cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	err = store.CreateUser(ctx, &domain.User{
		ID:            uuid.NewString(),
		Username:      name,
		PasswordHash:  hash,
		AdminOfOrgs:   []string{},
		PlatformAdmin: true,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info("platform admin bootstrapped", zap.String("username", name))
	return nil
}
