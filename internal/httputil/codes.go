package httputil

import "github.com/gofiber/fiber/v3"

// Code is a machine-stable error code carried in every error response body alongside the
// human-readable message. The set is closed; handlers must not invent ad-hoc strings.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidBody        Code = "INVALID_BODY"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeInsufficientScope  Code = "INSUFFICIENT_SCOPE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// CodeForStatus maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the
// closest stable error code. Used by the app-level ErrorHandler for errors no handler mapped.
func CodeForStatus(status int) Code {
	switch {
	case status == fiber.StatusNotFound:
		return CodeNotFound
	case status == fiber.StatusUnauthorized:
		return CodeUnauthorized
	case status == fiber.StatusTooManyRequests:
		return CodeRateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case status >= 400 && status < 500:
		return CodeValidation
	default:
		return CodeInternal
	}
}
