package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Credential and session failures. Stores and services wrap these with %w;
// the HTTP edge classifies them with errors.Is.
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountInactive       = errors.New("account is inactive")
	ErrAccountUnverified     = errors.New("email address is not verified")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenInvalid          = errors.New("token invalid")
	ErrTokenAlreadyUsed      = errors.New("token already used")
	ErrSessionNotFound       = errors.New("session not found")
	ErrInsufficientRole      = errors.New("insufficient role")
	ErrDuplicateRegistration = errors.New("account already registered")
	ErrAccountNotFound       = errors.New("account not found")
	ErrValidation            = errors.New("validation failed")
)

// ValidationError describes a rejected request field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorClass struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorClasses = []errorClass{
	{ErrValidation, http.StatusBadRequest, "validation_failed"},
	{ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{ErrTokenInvalid, http.StatusUnauthorized, "token_invalid"},
	{ErrSessionNotFound, http.StatusUnauthorized, "session_not_found"},
	{ErrAccountInactive, http.StatusForbidden, "account_inactive"},
	{ErrAccountUnverified, http.StatusForbidden, "account_unverified"},
	{ErrInsufficientRole, http.StatusForbidden, "insufficient_role"},
	{ErrTokenAlreadyUsed, http.StatusConflict, "token_already_used"},
	{ErrDuplicateRegistration, http.StatusConflict, "duplicate_registration"},
	{ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
}

// Code returns the machine-readable code for err, or "internal_error" when err
// is not part of the credential taxonomy.
func Code(err error) string {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// HTTPError converts a service error into an echo.HTTPError. Taxonomy errors
// keep their message so the caller can correct the request; anything else
// becomes a generic 500 with the cause attached as the internal error for
// logging only.
func HTTPError(err error) *echo.HTTPError {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			msg := c.err.Error()
			var verr *ValidationError
			if errors.As(err, &verr) {
				msg = verr.Error()
			}
			return echo.NewHTTPError(c.status, ErrorBody{Code: c.code, Message: msg})
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError,
		ErrorBody{Code: "internal_error", Message: "internal server error"}).SetInternal(err)
}

// ErrorHandler renders every error as an ErrorBody. Internal causes are
// logged with the request id and never written to the response.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he, ok := err.(*echo.HTTPError)
		if !ok {
			he = HTTPError(err)
		}

		body, ok := he.Message.(ErrorBody)
		if !ok {
			body = ErrorBody{Code: statusCode(he.Code), Message: fmt.Sprintf("%v", he.Message)}
		}

		if he.Code >= http.StatusInternalServerError {
			cause := he.Internal
			if cause == nil {
				cause = err
			}
			logger.Error().Err(cause).
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
			body = ErrorBody{Code: "internal_error", Message: "internal server error"}
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
