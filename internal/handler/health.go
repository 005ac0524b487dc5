package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/toolhub/export-engine/internal/storage"
	"github.com/toolhub/export-engine/internal/store"
)

// healthProbeKey is a key no packaging step ever writes; probing it proves
// the backend is reachable without touching real objects.
const healthProbeKey = ".healthcheck"

// Health probes the engine's dependencies. The store and storage backends
// are required for readiness; Redis is reported but does not fail the check,
// since status reads and downloads work without it.
func Health(jobStore *store.Store, packageStorage storage.Storage, redisPing func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		storeOK := false
		if sqlDB, err := jobStore.DB().DB(); err == nil {
			storeOK = sqlDB.PingContext(c.Context()) == nil
		}

		_, err := packageStorage.Size(c.Context(), healthProbeKey)
		storageOK := err == nil || errors.Is(err, storage.ErrNotExist)

		redisOK := redisPing == nil || redisPing(c.Context()) == nil

		status := "ok"
		code := fiber.StatusOK
		if !storeOK || !storageOK {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"redis":   redisOK,
				"store":   storeOK,
				"storage": storageOK,
			},
		})
	}
}
