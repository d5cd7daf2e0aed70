package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/genforge/api/internal/middleware"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/service"
	"github.com/genforge/api/pkg/response"
)

type JobHandler struct {
	jobs *service.JobService
}

func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	job, err := h.jobs.Submit(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return writeError(c, err, job)
	}
	return response.Accepted(c, model.SubmitResponse{JobID: job.CorrelationID, Status: job.Status})
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	view, err := h.jobs.Get(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return response.OK(c, view)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	views, err := h.jobs.List(c.UserContext(), middleware.GetUserID(c), c.QueryInt("limit", 20))
	if err != nil {
		return writeError(c, err, nil)
	}
	return response.OK(c, fiber.Map{"jobs": views})
}

// Retry handles POST /api/jobs/:jobId/retry
func (h *JobHandler) Retry(c *fiber.Ctx) error {
	job, err := h.jobs.Retry(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return writeError(c, err, job)
	}
	return response.Accepted(c, model.RetryResponse{NewJobID: job.CorrelationID, Status: job.Status})
}
