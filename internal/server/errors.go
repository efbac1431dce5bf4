package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
)

const validationErrorType = "validation_error"

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return validationErrorType
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// Checked in order, so specific codes come before the generic invalid_request.
var validationSentinels = []error{
	usagelogdomain.ErrInvalidOutcome,
	usagelogdomain.ErrInvalidPageToken,
	usagelogdomain.ErrInvalidSessionKey,
	accountdomain.ErrInvalidUserID,
	meteringdomain.ErrInvalidRequest,
	ErrInvalidRequest,
}

type errorRule struct {
	sentinels []error
	status    int
	payload   errorPayload
}

var errorRules = []errorRule{
	{
		sentinels: []error{meteringdomain.ErrInsufficientCredits},
		status:    http.StatusPaymentRequired,
		payload:   errorPayload{Type: meteringdomain.CodeInsufficientCredits, Message: "insufficient credits"},
	},
	{
		sentinels: []error{meteringdomain.ErrUnknownFeature, catalogdomain.ErrUnknownFeature},
		status:    http.StatusUnprocessableEntity,
		payload:   errorPayload{Type: meteringdomain.CodeUnknownFeature, Message: "unknown feature"},
	},
	{
		sentinels: []error{ErrRateLimited},
		status:    http.StatusTooManyRequests,
		payload:   errorPayload{Type: "rate_limited", Message: "too many requests"},
	},
	{
		sentinels: []error{meteringdomain.ErrStoreUnavailable, ErrServiceUnavailable},
		status:    http.StatusServiceUnavailable,
		payload:   errorPayload{Type: "service_unavailable", Message: "service unavailable"},
	},
}

var internalErrorPayload = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error as the JSON error
// envelope unless the handler already wrote a body.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", ErrInvalidRequest.Error(), "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalErrorPayload
	}

	var vErrs *ValidationErrors
	if errors.As(err, &vErrs) && vErrs != nil {
		return http.StatusBadRequest, errorPayload{Type: validationErrorType, Message: "validation error", Errors: vErrs.Errors}
	}
	if code := validationCode(err); code != "" {
		message := "invalid value"
		if code == ErrInvalidRequest.Error() {
			message = "invalid request"
		}
		return http.StatusBadRequest, errorPayload{
			Type:    validationErrorType,
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   strings.TrimPrefix(code, "invalid_"),
				Code:    code,
				Message: message,
			}},
		}
	}

	for _, rule := range errorRules {
		for _, sentinel := range rule.sentinels {
			if errors.Is(err, sentinel) {
				return rule.status, rule.payload
			}
		}
	}
	return http.StatusInternalServerError, internalErrorPayload
}

// validationCode returns the most specific validation code wrapped in err, or "".
func validationCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// classifyErrorForLog returns the error_type and error_code written to the request log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, strconv.Itoa(status)
}
