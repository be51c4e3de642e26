package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-core/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-core/internal/infra/auth"
)

// Handlers: обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth      *handler.AuthHandler      // /auth/token
	Templates *handler.TemplateHandler  // /v1/templates
	Policies  *handler.PolicyHandler    // /v1/policies
	Instances *handler.InstanceHandler  // /v1/instances
	Approvals *handler.ApprovalHandler  // /v1/approvals (HITL)
	Dashboard *handler.DashboardHandler // /v1/dashboard, /v1/strict
	Audit     *handler.AuditHandler     // /v1/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов
	authValidator auth.TokenValidator
	h             Handlers
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/dashboard", s.h.Dashboard.GetStats)
		r.Put("/v1/strict/{ownerID}", s.h.Dashboard.SetStrict)

		r.Route("/v1/templates", func(r chi.Router) {
			r.Get("/", s.h.Templates.List)
			r.Post("/", s.h.Templates.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Templates.Get)
				r.Post("/versions", s.h.Templates.PublishVersion)
				r.Post("/retire", s.h.Templates.Retire)
			})
		})

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.h.Policies.List)
			r.Put("/", s.h.Policies.Update)
		})

		r.Route("/v1/instances", func(r chi.Router) {
			r.Post("/", s.h.Instances.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Instances.Get)
				r.Post("/cancel", s.h.Instances.Cancel)
			})
		})

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approvals.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/approve", s.h.Approvals.Approve)
				r.Post("/reject", s.h.Approvals.Reject)
			})
		})

		r.Get("/v1/audit", s.h.Audit.GetLogs)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
