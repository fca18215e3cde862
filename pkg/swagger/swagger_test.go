package swagger

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestHandler(t *testing.T) {
	app := fiber.New()
	app.Use(Handler(Config{Spec: []byte("openapi: 3.0.3\n"), Title: "Ledger API"}))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantType    string
		wantContent string
	}{
		{"ui", "/docs", 200, "text/html", "Ledger API"},
		{"ui trailing slash", "/docs/", 200, "text/html", "openapi.yaml"},
		{"spec", "/docs/openapi.yaml", 200, "application/yaml", "openapi: 3.0.3"},
		{"other routes pass through", "/health", 200, "", "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantType != "" && !strings.HasPrefix(resp.Header.Get("Content-Type"), tt.wantType) {
				t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), tt.wantType)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.wantContent) {
				t.Errorf("body missing %q", tt.wantContent)
			}
		})
	}
}

func TestHandler_NoSpec(t *testing.T) {
	app := fiber.New()
	app.Use(Handler(Config{BasePath: "/api-docs/"}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api-docs/openapi.yaml", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
