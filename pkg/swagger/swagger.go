package swagger

import (
	"html/template"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// =============================================================================
// API docs
// =============================================================================
// Serves Swagger UI and the raw OpenAPI document:
//
//	GET <base>               -> Swagger UI
//	GET <base>/openapi.yaml  -> the embedded spec
//
// Usage:
//
//	app.Get("/docs*", swagger.Handler(swagger.Config{
//	    Spec:  api.OpenAPI,
//	    Title: "Ledger API",
//	}))
// =============================================================================

const specFile = "openapi.yaml"

type Config struct {
	// Spec is the OpenAPI document in YAML
	Spec []byte

	Title string

	// BasePath is where the UI is mounted, default /docs
	BasePath string
}

var page = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "{{.SpecURL}}",
                dom_id: '#swagger-ui',
                deepLinking: true,
                persistAuthorization: true,
                displayRequestDuration: true
            });
        };
    </script>
</body>
</html>`))

// Handler serves the UI and spec under cfg.BasePath and passes every
// other path on
func Handler(cfg Config) fiber.Handler {
	if cfg.Title == "" {
		cfg.Title = "API Documentation"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/docs"
	}
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")
	specURL := cfg.BasePath + "/" + specFile

	var html strings.Builder
	if err := page.Execute(&html, struct{ Title, SpecURL string }{cfg.Title, specURL}); err != nil {
		panic("swagger: render page: " + err.Error())
	}
	body := html.String()

	return func(c *fiber.Ctx) error {
		switch strings.TrimRight(c.Path(), "/") {
		case cfg.BasePath:
			c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
			return c.SendString(body)
		case specURL:
			if len(cfg.Spec) == 0 {
				return fiber.ErrNotFound
			}
			c.Set(fiber.HeaderContentType, "application/yaml")
			return c.Send(cfg.Spec)
		}
		return c.Next()
	}
}
