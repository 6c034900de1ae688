package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/authorization"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	cycledomain "github.com/smallbiznis/tontine/internal/cycle/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
	partnerdomain "github.com/smallbiznis/tontine/internal/partner/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/receipt"
	sessiondomain "github.com/smallbiznis/tontine/internal/session/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
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
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog feeds the request logger: the error type drives the log
// level, the code is the stable reason a dashboard can group on.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, sessiondomain.ErrInvalidCredentials),
		errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, sessiondomain.ErrSessionExpired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictErrorCode(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limited",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case errors.Is(err, groupdomain.ErrInvalidGroupName),
		errors.Is(err, groupdomain.ErrInvalidAmount),
		errors.Is(err, groupdomain.ErrInvalidCycleLength),
		errors.Is(err, groupdomain.ErrInvalidCurrency),
		errors.Is(err, groupdomain.ErrInvalidJoinCode),
		errors.Is(err, groupdomain.ErrInvalidMSISDN),
		errors.Is(err, groupdomain.ErrInvalidPIN):
		return true
	case errors.Is(err, contributiondomain.ErrInvalidConfirmationID),
		errors.Is(err, contributiondomain.ErrInvalidClientKey),
		errors.Is(err, contributiondomain.ErrInvalidGroup),
		errors.Is(err, contributiondomain.ErrInvalidMember),
		errors.Is(err, contributiondomain.ErrInvalidAmount):
		return true
	case errors.Is(err, payoutdomain.ErrInvalidEvent),
		errors.Is(err, cycledomain.ErrInvalidCycle),
		errors.Is(err, sessiondomain.ErrInvalidChannel):
		return true
	case errors.Is(err, auditdomain.ErrInvalidGroup),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	case errors.Is(err, operatordomain.ErrInvalidName),
		errors.Is(err, operatordomain.ErrInvalidKeyID):
		return true
	case errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidGroup),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction):
		return true
	default:
		return false
	}
}

// isConflictError covers state-machine rejections: the request was well
// formed but the resource is not in a state that allows it.
func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict):
		return true
	case errors.Is(err, groupdomain.ErrGroupNotActive),
		errors.Is(err, groupdomain.ErrGroupAlreadyActive),
		errors.Is(err, groupdomain.ErrGroupClosed),
		errors.Is(err, groupdomain.ErrMemberAlreadyJoined),
		errors.Is(err, groupdomain.ErrMemberDeparted),
		errors.Is(err, groupdomain.ErrNotEnoughMembers),
		errors.Is(err, groupdomain.ErrMemberHasObligations):
		return true
	case errors.Is(err, payoutdomain.ErrInvalidTransition),
		errors.Is(err, payoutdomain.ErrNotRetryable):
		return true
	case errors.Is(err, partnerdomain.ErrAlreadySettled),
		errors.Is(err, receipt.ErrReceiptUnavailable):
		return true
	default:
		return false
	}
}

// conflictErrorCode surfaces which state rule rejected the request. Sentinel
// messages are stable snake_case codes with nothing member-identifying.
func conflictErrorCode(err error) string {
	for _, sentinel := range []error{
		groupdomain.ErrGroupNotActive,
		groupdomain.ErrGroupAlreadyActive,
		groupdomain.ErrGroupClosed,
		groupdomain.ErrMemberAlreadyJoined,
		groupdomain.ErrMemberDeparted,
		groupdomain.ErrNotEnoughMembers,
		groupdomain.ErrMemberHasObligations,
		payoutdomain.ErrInvalidTransition,
		payoutdomain.ErrNotRetryable,
		partnerdomain.ErrAlreadySettled,
		receipt.ErrReceiptUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	case errors.Is(err, groupdomain.ErrGroupNotFound),
		errors.Is(err, groupdomain.ErrMemberNotFound),
		errors.Is(err, contributiondomain.ErrContributionNotFound),
		errors.Is(err, payoutdomain.ErrPayoutNotFound),
		errors.Is(err, payoutdomain.ErrUnknownReference),
		errors.Is(err, cycledomain.ErrGroupNotFound),
		errors.Is(err, partnerdomain.ErrSettlementNotFound),
		errors.Is(err, receipt.ErrPayoutNotFound),
		errors.Is(err, operatordomain.ErrNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
