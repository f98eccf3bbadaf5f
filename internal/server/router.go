package server

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devserve/devserve/internal/logging"
	"github.com/devserve/devserve/internal/proxy"
)

// AppOptions is the immutable pipeline definition shared by every listener.
type AppOptions struct {
	Logger *logrus.Logger
	// Forwarder is nil when no proxy target is configured.
	Forwarder *proxy.Forwarder
	PublicDir string
	IndexFile string
}

const contextKeyRequestID = "_devserve_request_id"

var (
	errNotFound      = fiber.Map{"error": "Not found"}
	errInternalError = fiber.Map{"error": "Internal Server Error"}
)

// NewApp builds a Fiber application with the request pipeline. Stages run in
// registration order and the first one that writes a response wins.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.PublicDir == "" {
		return nil, errors.New("public dir is required")
	}
	if opts.IndexFile == "" {
		return nil, errors.New("index file is required")
	}
	indexPath := filepath.Join(opts.PublicDir, opts.IndexFile)
	errorHandler := newErrorHandler(opts.Logger)

	app := fiber.New(fiber.Config{
		CaseSensitive:     true,
		StreamRequestBody: true,
		ErrorHandler:      errorHandler,
	})

	app.Use(requestContextMiddleware(opts.Logger, errorHandler))
	app.Use(recover.New())

	if opts.Forwarder != nil {
		app.Use(opts.Forwarder.Handle)
	}

	app.Get("/*", static.New(opts.PublicDir))

	app.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString("ok")
	})

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendFile(indexPath)
	})

	app.Get("/*", htmlFallback(indexPath))

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(errNotFound)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，执行后续链路并输出访问日志。
// 链路返回的错误在这里交给 errorHandler，保证日志中的状态码是最终状态码。
func requestContextMiddleware(logger *logrus.Logger, errorHandler fiber.ErrorHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(fiber.HeaderXRequestID, reqID)

		if chainErr := c.Next(); chainErr != nil {
			if err := errorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		// 转发的响应体在 handler 返回后才写完，访问日志由 Forwarder 在流结束时输出。
		if streamed, _ := c.Locals(proxy.StreamLoggedKey).(bool); streamed {
			return nil
		}

		method := c.Method()
		path := c.OriginalURL()
		status := c.Response().StatusCode()
		elapsed := time.Since(started).Milliseconds()
		logger.WithFields(logging.RequestFields(method, path, reqID, status, elapsed)).
			Infof("%s %s -> %d %dms", method, path, status, elapsed)
		return nil
	}
}

// htmlFallback serves the index document to HTML clients so client-side
// routes survive a reload.
func htmlFallback(indexPath string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Method() == fiber.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html") {
			return c.SendFile(indexPath)
		}
		return c.Next()
	}
}

// newErrorHandler maps any stage fault to a JSON body, keeping the fault's
// status code when it carries one.
func newErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}

		fields := logrus.Fields{
			"action": "request_error",
			"method": c.Method(),
			"path":   c.OriginalURL(),
			"status": status,
		}
		if reqID := RequestID(c); reqID != "" {
			fields["request_id"] = reqID
		}
		logger.WithFields(fields).WithError(err).Error("unhandled error")

		return c.Status(status).JSON(errInternalError)
	}
}

// RequestID returns the request identifier stored by the request middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
