package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 40}))
	app.Post("/api/v1/query", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Post("/api/v1/admin/reload", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func send(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware(t *testing.T) {
	app := newApp()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"query":"How do I update my address?","role":"employee"}`, fiber.StatusOK},
		{"alias role", `{"query":"When is orientation?","role":"pre_joining_candidate"}`, fiber.StatusOK},
		{"empty query reaches the pipeline", `{"query":"","role":"employee"}`, fiber.StatusOK},
		{"missing query", `{"role":"employee"}`, fiber.StatusBadRequest},
		{"missing role", `{"query":"When is orientation?"}`, fiber.StatusBadRequest},
		{"unknown role", `{"query":"When is orientation?","role":"admin"}`, fiber.StatusBadRequest},
		{"too long", `{"query":"` + strings.Repeat("a", 41) + `","role":"employee"}`, fiber.StatusBadRequest},
		{"xss", `{"query":"<script>alert(1)</script>","role":"employee"}`, fiber.StatusBadRequest},
		{"bad json", `{"query":`, fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, send(t, app, "/api/v1/query", "application/json", tt.body))
		})
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	app := newApp()
	assert.Equal(t, fiber.StatusUnsupportedMediaType, send(t, app, "/api/v1/query", "text/plain", "hello"))
	assert.Equal(t, fiber.StatusOK, send(t, app, "/api/v1/admin/reload", "application/json", `{}`))
}
