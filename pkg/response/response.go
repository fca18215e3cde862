package response

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// =============================================================================
// API Response Envelope
// =============================================================================
// Success:
//
//	{
//	  "data": { "balance": "740.00", ... },
//	  "meta": { "request_id": "uuid", "timestamp": "2026-01-31T12:00:00Z" }
//	}
//
// Error:
//
//	{
//	  "error": {
//	    "code": "VALIDATION_ERROR",
//	    "message": "Invalid input",
//	    "details": ["amount_too_many_decimals"],
//	    "retryable": false
//	  },
//	  "meta": { ... }
//	}
// =============================================================================

type Response struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
	Meta  Meta       `json:"meta"`
}

type ErrorBody struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Details   []string `json:"details,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type PaginatedData struct {
	Items      any        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

func Success(c *fiber.Ctx, data any) error {
	return c.JSON(Response{
		Data: data,
		Meta: buildMeta(c),
	})
}

func SuccessWithStatus(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(Response{
		Data: data,
		Meta: buildMeta(c),
	})
}

func Created(c *fiber.Ctx, data any) error {
	return SuccessWithStatus(c, fiber.StatusCreated, data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// Paginated wraps items with page metadata. perPage <= 0 is treated as one
// page holding everything.
func Paginated(c *fiber.Ctx, items any, page, perPage int, total int64) error {
	return c.JSON(Response{
		Data: PaginatedData{
			Items:      items,
			Pagination: NewPagination(page, perPage, total),
		},
		Meta: buildMeta(c),
	})
}

func NewPagination(page, perPage int, total int64) Pagination {
	if perPage <= 0 {
		perPage = int(total)
	}
	totalPages := 0
	if perPage > 0 {
		totalPages = int(total) / perPage
		if int(total)%perPage > 0 {
			totalPages++
		}
	}
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}

func Error(c *fiber.Ctx, status int, code, message string, details ...string) error {
	return c.Status(status).JSON(Response{
		Error: &ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
		Meta: buildMeta(c),
	})
}

func buildMeta(c *fiber.Ctx) Meta {
	requestID := GetRequestID(c)
	if requestID == "" {
		requestID = uuid.New().String()
		c.Locals("request_id", requestID)
	}

	return Meta{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Version:   "v1",
	}
}

func GetRequestID(c *fiber.Ctx) string {
	if id := c.Get("X-Request-ID"); id != "" {
		return id
	}
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}
