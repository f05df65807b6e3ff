package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/storage/models"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQueryLength int
	// QueryPaths are the routes whose JSON body carries a query and role.
	QueryPaths          []string
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if len(cfg.QueryPaths) == 0 {
		cfg.QueryPaths = []string{"/api/v1/query"}
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if c.Method() != fiber.MethodPost || !isQueryPath(c.Path(), cfg.QueryPaths) {
			return c.Next()
		}

		var req struct {
			Query *string `json:"query"`
			Role  string  `json:"role"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if req.Query == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required and must be a string",
			})
		}

		query := *req.Query
		if !utf8.ValidString(query) || strings.ContainsRune(query, '\x00') {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid query content",
			})
		}

		if utf8.RuneCountInString(query) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query exceeds maximum length",
			})
		}

		if containsXSS(query) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid query content",
			})
		}

		if _, err := models.ParseRole(req.Role); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Role must be employee or candidate",
			})
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func isQueryPath(path string, paths []string) bool {
	for _, p := range paths {
		if path == p {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}
