package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/pipeline"
)

// ImageService is the lookup side of the pipeline used by the HTTP handlers.
// *pipeline.Pipeline satisfies it; tests inject fakes.
type ImageService interface {
	Get(ctx context.Context, locator string) (*pipeline.Resource, pipeline.Tier, error)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Images ImageService
	// RequestTimeout 限制单个 /-/images 请求等待回源的时间，0 表示使用默认值。
	RequestTimeout time.Duration
}

const (
	contextKeyRequestID = "_imgcache_request_id"

	defaultRequestTimeout = 60 * time.Second
)

// NewApp builds a Fiber application with request id middleware, panic
// recovery and structured error responses.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image service is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &imageHandler{
		images:  opts.Images,
		logger:  opts.Logger,
		timeout: opts.RequestTimeout,
	}
	app.Get("/-/images", h.Handle)

	return app, nil
}

// RegisterFallback 为未匹配的路径返回 JSON 404；需在所有路由注册完成后调用。
func RegisterFallback(app *fiber.App) {
	app.Use(func(c fiber.Ctx) error {
		return WriteError(c, fiber.StatusNotFound, "not_found")
	})
}

// requestContextMiddleware 为每个请求生成请求 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// WriteError renders the {"error": code} body shared by every endpoint.
func WriteError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
