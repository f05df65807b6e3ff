package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/pipeline"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

type QueryProcessor interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Response
	ProcessStream(ctx context.Context, req pipeline.Request, observe func(pipeline.StageEvent)) pipeline.Response
}

type queryRequest struct {
	Query      string `json:"query"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

var errRoleRequired = errors.New("role is required")

func (q queryRequest) toPipeline() (pipeline.Request, error) {
	if q.Role == "" {
		return pipeline.Request{}, errRoleRequired
	}
	role, err := models.ParseRole(q.Role)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Text: q.Query,
		Role: models.RoleContext{Role: role, Department: q.Department},
	}, nil
}

type QueryHandler struct {
	engine QueryProcessor
}

func NewQueryHandler(engine QueryProcessor) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// HandleQuery always answers 200 with a decision once the request is well
// formed; refusals are outcomes, not HTTP errors.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var body queryRequest
	if err := c.BodyParser(&body); err != nil {
		logger.Warn("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req, err := body.toPipeline()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	req.RequestID = c.Get("X-Request-ID")

	resp := h.engine.Process(c.UserContext(), req)
	return c.JSON(resp)
}
