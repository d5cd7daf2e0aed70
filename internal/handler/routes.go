package handler

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/config"
	"github.com/genforge/api/internal/middleware"
	ws "github.com/genforge/api/internal/websocket"
	"github.com/genforge/api/pkg/response"
)

// Routes is everything the HTTP surface is built from.
type Routes struct {
	Jobs     *JobHandler
	Accounts *AccountHandler
	Webhooks *WebhookHandler
	Auth     *AuthHandler
	// APIAuth authenticates /api requests.
	APIAuth fiber.Handler
	// Limiter may be nil, which disables rate limiting.
	Limiter *middleware.RateLimiter
	Limits  config.RateLimitConfig
	Hub     *ws.Hub
	// Health reports dependency status for GET /health.
	Health func() fiber.Map
}

// NewApp creates the Fiber app with the global middleware stack.
func NewApp(log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    2 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))
	return app
}

// Register mounts every route on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{}
		if r.Health != nil {
			services = r.Health()
		}
		return c.JSON(fiber.Map{"status": "ok", "services": services})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/auth/verify", r.Auth.Verify)

	app.Post("/webhooks/provider", r.Webhooks.Receive)

	api := app.Group("/api", r.APIAuth)

	jobs := api.Group("/jobs")
	jobs.Post("/", limit(r.Limiter, r.Limits.SubmitPerMin, (*middleware.RateLimiter).SubmitLimit), r.Jobs.Submit)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/:jobId", r.Jobs.Get)
	jobs.Post("/:jobId/retry", limit(r.Limiter, r.Limits.RetryPerMin, (*middleware.RateLimiter).RetryLimit), r.Jobs.Retry)

	account := api.Group("/account")
	account.Get("/", r.Accounts.Get)
	account.Get("/usage", r.Accounts.Usage)

	if r.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
			r.Hub.HandleConnection(c, c.Params("jobId"))
		}))
	}
}

func limit(rl *middleware.RateLimiter, perMin int, pick func(*middleware.RateLimiter, int) fiber.Handler) fiber.Handler {
	if rl == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return pick(rl, perMin)
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusNotFound:
			return response.NotFound(c, fe.Message)
		case fiber.StatusBadRequest:
			return response.ValidationError(c, fe.Message, nil)
		}
		return response.Error(c, fe.Code, response.CodeServiceError, fe.Message, nil)
	}
	return response.ServiceError(c, "Internal Server Error")
}
