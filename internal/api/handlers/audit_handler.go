package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/audit"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

type AuditReader interface {
	Get(ctx context.Context, queryID string) (*models.AuditRecord, error)
}

type AuditStats interface {
	OutcomeCounts(ctx context.Context) (map[string]int64, error)
}

type AuditHandler struct {
	records AuditReader
	stats   AuditStats
}

func NewAuditHandler(records AuditReader, stats AuditStats) *AuditHandler {
	return &AuditHandler{records: records, stats: stats}
}

func (h *AuditHandler) GetRecord(c *fiber.Ctx) error {
	id := c.Params("id")

	rec, err := h.records.Get(c.UserContext(), id)
	if errors.Is(err, audit.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Audit record not found",
		})
	}
	if err != nil {
		logger.Error("Failed to read audit record", zap.String("query_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read audit record",
		})
	}

	return c.JSON(rec)
}

func (h *AuditHandler) GetStats(c *fiber.Ctx) error {
	counts, err := h.stats.OutcomeCounts(c.UserContext())
	if err != nil {
		logger.Error("Failed to read audit stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read audit stats",
		})
	}

	return c.JSON(fiber.Map{"outcomes": counts})
}
