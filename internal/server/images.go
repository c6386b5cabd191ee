package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/pipeline"
)

type imageHandler struct {
	images  ImageService
	logger  *logrus.Logger
	timeout time.Duration
}

// Handle 服务 GET /-/images?url=...，按内存、磁盘、网络的顺序查找并返回原始字节。
func (h *imageHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	locator := strings.TrimSpace(c.Query("url"))
	if locator == "" {
		return WriteError(c, fiber.StatusBadRequest, "locator_required")
	}

	base := c.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, h.timeout)
	defer cancel()

	res, tier, err := h.images.Get(ctx, locator)
	if err != nil {
		status, code := classifyError(err)
		h.logResult(c, requestID, locator, "", status, started, err)
		return WriteError(c, status, code)
	}

	c.Set(fiber.HeaderContentType, res.ContentType())
	c.Set("X-Imgcache-Tier", string(tier))
	h.logResult(c, requestID, res.Key.String(), tier, fiber.StatusOK, started, nil)
	return c.Status(fiber.StatusOK).Send(res.Data)
}

func classifyError(err error) (int, string) {
	var netErr net.Error
	switch {
	case errors.Is(err, cache.ErrInvalidLocator):
		return fiber.StatusBadRequest, "invalid_locator"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, pipeline.ErrClosed):
		return fiber.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, pipeline.ErrDecodeFailed):
		return fiber.StatusBadGateway, "decode_failed"
	default:
		return fiber.StatusBadGateway, "fetch_failed"
	}
}

func (h *imageHandler) logResult(
	c fiber.Ctx,
	requestID string,
	key string,
	tier pipeline.Tier,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(requestID, c.Method(), c.Path(), status)
	for k, v := range logging.ResolveFields("image", key, string(tier)) {
		fields[k] = v
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("image_failed")
		return
	}
	h.logger.WithFields(fields).Info("image_served")
}
