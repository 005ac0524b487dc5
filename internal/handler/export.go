package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/toolhub/export-engine/internal/middleware"
	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/internal/service"
	"github.com/toolhub/export-engine/internal/storage"
	"github.com/toolhub/export-engine/internal/store"
	"github.com/toolhub/export-engine/pkg/response"
)

// ExportHandler is the HTTP surface of the export job engine.
type ExportHandler struct {
	service   *service.ExportService
	storage   storage.Storage
	validator *validator.Validate
}

func NewExportHandler(svc *service.ExportService, st storage.Storage, v *validator.Validate) *ExportHandler {
	return &ExportHandler{
		service:   svc,
		storage:   st,
		validator: v,
	}
}

// Start handles POST /api/export/:toolId/start
func (h *ExportHandler) Start(c *fiber.Ctx) error {
	toolID := c.Params("toolId")
	if toolID == "" {
		return response.ValidationError(c, "Tool ID is required", nil)
	}

	job, err := h.service.Start(c.Context(), toolID, middleware.GetScope(c))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return response.Conflict(c, "An export job is already running for this tool")
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Tool not found")
		}
		return response.ServiceError(c, "Failed to start export job")
	}

	return response.Accepted(c, job)
}

// Status handles GET /api/export/jobs/:jobId
func (h *ExportHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetStatus(c.Context(), jobID, middleware.GetScope(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, job)
}

// Cancel handles POST /api/export/jobs/:jobId/cancel
func (h *ExportHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Cancel(c.Context(), jobID, middleware.GetScope(c))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, store.ErrInvalidState):
			return response.InvalidState(c, "Job has already finished")
		}
		return response.ServiceError(c, "Failed to cancel job")
	}

	return response.OK(c, job)
}

// Delete handles DELETE /api/export/jobs/:jobId (admin only, soft delete)
func (h *ExportHandler) Delete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	err := h.service.Delete(c.Context(), jobID, middleware.GetScope(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			return response.Forbidden(c, "Administrator role required")
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to delete job")
	}

	return response.NoContent(c)
}

// List handles GET /api/export/jobs
func (h *ExportHandler) List(c *fiber.Ctx) error {
	var q model.ListJobsQuery
	if err := c.QueryParser(&q); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return response.ValidationError(c, "Invalid 'from' timestamp", nil)
		}
		q.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return response.ValidationError(c, "Invalid 'to' timestamp", nil)
		}
		q.To = &t
	}
	if err := h.validator.Struct(&q); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.List(c.Context(), middleware.GetScope(c), &q)
	if err != nil {
		return response.ServiceError(c, "Failed to list jobs")
	}

	return response.OK(c, result)
}

// Download handles GET /api/export/jobs/:jobId/download. Honours a single
// byte range for resumable transfers.
func (h *ExportHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.ResolvePackage(c.Context(), jobID, middleware.GetScope(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPackageGone):
			return response.Gone(c, "Package has expired, rerun the export")
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Package not found")
		}
		return response.ServiceError(c, "Failed to resolve package")
	}

	size, err := h.storage.Size(c.Context(), *job.PackagePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			// Metadata said completed but the bytes are gone; the retention
			// sweep will reconcile. Report gone, not an internal error.
			return response.Gone(c, "Package has expired, rerun the export")
		}
		return response.ServiceError(c, "Failed to open package")
	}

	offset, length := int64(0), size
	status := fiber.StatusOK
	if rangeHeader := c.Get(fiber.HeaderRange); rangeHeader != "" {
		offset, length, err = parseRange(rangeHeader, size)
		if err != nil {
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
			return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
		}
		status = fiber.StatusPartialContent
	}

	rc, err := h.storage.Open(c.Context(), *job.PackagePath, offset, length)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			// The sweep can reclaim the object between the Size check above
			// and this open.
			return response.Gone(c, "Package has expired, rerun the export")
		}
		return response.ServiceError(c, "Failed to open package")
	}

	// Counting attempts: the increment lands when the stream opens, whether
	// or not the client reads to the end.
	h.service.RecordDownload(c.Context(), jobID)

	filename := fmt.Sprintf("export-%s.zip", job.TargetID)
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, filename))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentLength, fmt.Sprintf("%d", length))
	if status == fiber.StatusPartialContent {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size))
	}
	c.Status(status)
	return c.SendStream(rc, int(length))
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
