package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/engine"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Engine     *engine.Engine
	ListenPort int
}

const contextKeyRequestID = "_modhub_request_id"

// NewApp builds a Fiber application with request-id middleware and structured
// JSON errors. Unknown routes answer 404 route_not_found.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	// 路由参数会作为 Loader/Registry/CacheManager 的长期 map key，不能引用复用的请求缓冲区。
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		Immutable:     true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code == fiber.StatusNotFound {
			logger.WithFields(logrus.Fields{
				"action":     "route_lookup",
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": RequestID(c),
			}).Debug("route not found")
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "route_not_found"})
		}

		code := fiber.StatusInternalServerError
		if fe != nil {
			code = fe.Code
		}
		logger.WithFields(logrus.Fields{
			"action":     "request_failed",
			"path":       c.Path(),
			"status":     code,
			"request_id": RequestID(c),
		}).WithError(err).Error("request failed")
		return c.Status(code).JSON(fiber.Map{"error": "internal_error"})
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
