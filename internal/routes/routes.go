package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/config"
	"github.com/btcdash/btcledger/internal/conversion"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/middleware"
	"github.com/btcdash/btcledger/internal/oracle"
	"github.com/btcdash/btcledger/internal/wallet"
	"github.com/btcdash/btcledger/internal/withdrawal"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	Ledger *ledger.Service
	Rates  oracle.Oracle
	Clock  clock.Clock
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Ledger == nil {
		return fmt.Errorf("ledger service is required")
	}
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))

	// Health and metrics sit outside the idempotent API group.
	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	var limit fiber.Handler
	if d.Cache != nil {
		limit = middleware.WithdrawalRateLimit(d.Cache, d.Cfg.WithdrawalsPerMinute)
	}

	wallet.NewHandler(d.Ledger).Register(api)
	withdrawal.NewHandler(d.Ledger, d.Clock).Register(api, limit)
	conversion.NewHandler(d.Ledger, d.Rates, d.Clock).Register(api)

	return nil
}
