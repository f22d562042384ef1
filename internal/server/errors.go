package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"github.com/smallbiznis/autocompta/internal/authorization"
	bankdomain "github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/blobstore"
	docdomain "github.com/smallbiznis/autocompta/internal/document/domain"
	journaldomain "github.com/smallbiznis/autocompta/internal/journal/domain"
	perioddomain "github.com/smallbiznis/autocompta/internal/period/domain"
	reconciliationdomain "github.com/smallbiznis/autocompta/internal/reconciliation/domain"
	validationdomain "github.com/smallbiznis/autocompta/internal/validation/domain"
	"github.com/smallbiznis/autocompta/pkg/db/pagination"
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
	Details any               `json:"details,omitempty"`
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
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
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

	if unbalanceable, ok := journaldomain.AsUnbalanceable(err); ok {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unbalanceable_entry",
			Message: unbalanceable.Error(),
			Details: gin.H{"missing": unbalanceable.Missing},
		}
	}

	if blocking, ok := perioddomain.AsCertificationInvariantError(err); ok {
		return http.StatusConflict, errorPayload{
			Type:    "certification_blocked",
			Message: blocking.Error(),
			Details: blocking,
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
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidTenant),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, authctx.ErrMissingTenant):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authctx.ErrForbidden),
		errors.Is(err, authctx.ErrTenantMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, perioddomain.ErrPeriodFrozen):
		return http.StatusConflict, errorPayload{
			Type:    "period_frozen",
			Message: err.Error(),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, bankdomain.ErrConsentExpired),
		errors.Is(err, bankdomain.ErrConnectionInactive):
		return http.StatusFailedDependency, errorPayload{
			Type:    "consent_required",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, bankdomain.ErrProviderUnavailable),
		errors.Is(err, bankdomain.ErrInvalidProviderResponse):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the access log with the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := ""
	if err != nil {
		code = err.Error()
	}
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	docdomain.ErrEmptyContent,
	docdomain.ErrInvalidSource,
	docdomain.ErrInvalidDocumentType,
	docdomain.ErrInvalidMimeType,
	docdomain.ErrInvalidStatus,
	docdomain.ErrInvalidLinkedDocument,
	validationdomain.ErrReasonRequired,
	validationdomain.ErrEmptySelection,
	validationdomain.ErrTooManyItems,
	validationdomain.ErrInvalidIssue,
	validationdomain.ErrInvalidLevel,
	validationdomain.ErrInvalidOverride,
	journaldomain.ErrInvalidAccount,
	journaldomain.ErrInvalidTaxCode,
	journaldomain.ErrInvalidJournal,
	journaldomain.ErrDocumentNotBookable,
	bankdomain.ErrInvalidInstitution,
	bankdomain.ErrProviderNotFound,
	reconciliationdomain.ErrInvalidRule,
	reconciliationdomain.ErrInvalidRegex,
	reconciliationdomain.ErrInvalidRuleTarget,
	reconciliationdomain.ErrDocumentNotReconcilable,
	reconciliationdomain.ErrCurrencyMismatch,
	perioddomain.ErrInvalidPeriod,
}

func isValidationError(err error) bool {
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, docdomain.ErrNotFound),
		errors.Is(err, blobstore.ErrNotFound),
		errors.Is(err, validationdomain.ErrItemNotFound),
		errors.Is(err, journaldomain.ErrEntryNotFound),
		errors.Is(err, bankdomain.ErrConnectionNotFound),
		errors.Is(err, bankdomain.ErrTransactionNotFound),
		errors.Is(err, reconciliationdomain.ErrRuleNotFound),
		errors.Is(err, reconciliationdomain.ErrReconciliationNotFound),
		errors.Is(err, perioddomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, docdomain.ErrInvalidTransition),
		errors.Is(err, docdomain.ErrConcurrentModification),
		errors.Is(err, docdomain.ErrNotResubmittable),
		errors.Is(err, validationdomain.ErrConflict),
		errors.Is(err, journaldomain.ErrEntryAlreadyPosted),
		errors.Is(err, bankdomain.ErrSyncInProgress),
		errors.Is(err, bankdomain.ErrLockLost),
		errors.Is(err, bankdomain.ErrAlreadyReconciled),
		errors.Is(err, bankdomain.ErrNotReconciled),
		errors.Is(err, reconciliationdomain.ErrReconciliationConflict),
		errors.Is(err, perioddomain.ErrAlreadyExists),
		errors.Is(err, perioddomain.ErrInvalidTransition),
		errors.Is(err, perioddomain.ErrConcurrentModification):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	if errors.Is(err, ErrConflict) {
		return "conflict"
	}
	return err.Error()
}

func validationErrorCode(err error) string {
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return target.Error()
		}
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
	case "reason_required":
		return "a reason is required"
	case "empty_selection":
		return "select at least one item"
	case "too_many_items":
		return "too many items in one request"
	default:
		return "invalid value"
	}
}
