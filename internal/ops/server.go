package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/app"
)

// Server exposes operational endpoints: liveness of backing stores and a
// snapshot of dialer activity. It carries no campaign management surface.
type Server struct {
	app  *fiber.App
	deps *app.Container
}

// NewServer constructs the operational HTTP server.
func NewServer(deps *app.Container) *Server {
	cfg := fiber.Config{
		ReadTimeout:  deps.Config.Ops.ReadTimeout,
		WriteTimeout: deps.Config.Ops.WriteTimeout,
		IdleTimeout:  deps.Config.Ops.IdleTimeout,
	}

	fa := fiber.New(cfg)
	fa.Use(otelfiber.Middleware())

	s := &Server{app: fa, deps: deps}
	fa.Get("/healthz", s.health)
	fa.Get("/status", s.status)
	return s
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.Ops.Port)
	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.deps.Logger.Warn("ops server shutdown", zap.Error(err))
		}
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := s.deps.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := s.deps.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := s.deps.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}

func (s *Server) status(ctx *fiber.Ctx) error {
	engine := s.deps.Engine()
	active := engine.ActiveCampaigns()

	campaigns := make([]fiber.Map, 0, len(active))
	for _, id := range active {
		campaigns = append(campaigns, fiber.Map{
			"campaign_id": id.String(),
			"in_flight":   engine.InFlight(id),
		})
	}

	return ctx.JSON(fiber.Map{
		"adapter_state":    string(s.deps.Adapter().State()),
		"in_flight_total":  engine.InFlight(uuid.Nil),
		"active_campaigns": campaigns,
		"scheduled_jobs":   s.deps.Scheduler().Jobs(),
	})
}
