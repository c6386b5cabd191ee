// Package routes registers the operational endpoints of the image service.
package routes

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/pipeline"
	"github.com/any-hub/imgcache/internal/server"
)

// Service 是运维接口依赖的 Pipeline 能力。
type Service interface {
	Stats() pipeline.Stats
	Preload(locators []string, done func(pipeline.PreloadReport)) error
}

// MemoryStats 可选地补充内存层的淘汰计数。
type MemoryStats interface {
	Evicted() uint64
}

type preloadRequest struct {
	URLs []string `json:"urls"`
}

type preloadResponse struct {
	Requested  int      `json:"requested"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	FailedURLs []string `json:"failed_urls,omitempty"`
	ElapsedMS  int64    `json:"elapsed_ms"`
}

type statsResponse struct {
	pipeline.Stats
	MemoryEvicted uint64 `json:"memory_evicted"`
}

// RegisterAdminRoutes 暴露 /-/preload 与 /-/stats。memory 可为 nil。
func RegisterAdminRoutes(app *fiber.App, svc Service, memory MemoryStats, logger *logrus.Logger, timeout time.Duration) {
	if app == nil || svc == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := statsResponse{Stats: svc.Stats()}
		if memory != nil {
			payload.MemoryEvicted = memory.Evicted()
		}
		return c.JSON(payload)
	})

	app.Post("/-/preload", func(c fiber.Ctx) error {
		var req preloadRequest
		if err := c.App().Config().JSONDecoder(c.Body(), &req); err != nil {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
		}
		urls := make([]string, 0, len(req.URLs))
		for _, raw := range req.URLs {
			if trimmed := strings.TrimSpace(raw); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		if len(urls) == 0 {
			return server.WriteError(c, fiber.StatusBadRequest, "urls_required")
		}

		reports := make(chan pipeline.PreloadReport, 1)
		if err := svc.Preload(urls, func(r pipeline.PreloadReport) { reports <- r }); err != nil {
			return server.WriteError(c, fiber.StatusServiceUnavailable, "shutting_down")
		}

		base := c.Context()
		if base == nil {
			base = context.Background()
		}
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()

		select {
		case report := <-reports:
			fields := logging.RequestFields(server.RequestID(c), c.Method(), c.Path(), fiber.StatusOK)
			fields["action"] = "preload"
			fields["requested"] = report.Requested
			fields["failed"] = len(report.Failed)
			if logger != nil {
				logger.WithFields(fields).Info("preload_served")
			}
			return c.JSON(preloadResponse{
				Requested:  report.Requested,
				Succeeded:  report.Succeeded,
				Failed:     len(report.Failed),
				FailedURLs: report.Failed,
				ElapsedMS:  report.Elapsed.Milliseconds(),
			})
		case <-ctx.Done():
			return server.WriteError(c, fiber.StatusGatewayTimeout, "preload_timeout")
		}
	})
}
