package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"reportkit/api/internal/auth"
	"reportkit/api/internal/jobs"
	"reportkit/api/internal/lifecycle"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_STATE_TRANSITION"
	CodeConcurrentModified = "CONCURRENT_MODIFICATION"
	CodeForbidden          = "FORBIDDEN"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeReportNotApproved  = "REPORT_NOT_APPROVED"
	CodeReportLocked       = "REPORT_LOCKED"
	CodeJobNotWithdrawable = "JOB_NOT_WITHDRAWABLE"
	CodeInvalidBody        = "INVALID_BODY"
	CodeServerError        = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// mapError translates errors from every layer into an HTTP status, a code,
// a message and optional details.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		items := make([]FieldError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			items = append(items, FieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
		}
		return http.StatusUnprocessableEntity, CodeValidation, "Request validation failed", map[string]any{"fields": items}
	}

	var conflict *store.VersionConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, CodeConcurrentModified, "Report was modified by someone else",
			map[string]any{"expected": conflict.Expected, "current": conflict.Current}
	}

	var illegal *lifecycle.IllegalTransitionError
	if errors.As(err, &illegal) {
		return http.StatusConflict, CodeIllegalTransition, illegal.Error(),
			map[string]any{"current": illegal.Current, "requested": illegal.Requested, "allowed": nonNilStrings(illegal.Allowed)}
	}

	var guard *lifecycle.GuardError
	if errors.As(err, &guard) {
		return http.StatusUnprocessableEntity, CodeValidation, guard.Error(),
			map[string]any{"action": guard.Action, "reason": guard.Reason}
	}

	var notApproved *jobs.NotApprovedError
	if errors.As(err, &notApproved) {
		return http.StatusConflict, CodeReportNotApproved, notApproved.Error(),
			map[string]any{"status": notApproved.Status, "type": notApproved.JobType}
	}

	var jobState *store.JobStateError
	if errors.As(err, &jobState) {
		return http.StatusConflict, CodeJobNotWithdrawable, "Only queued jobs can be withdrawn",
			map[string]any{"status": jobState.Status}
	}

	switch {
	case errors.Is(err, jobs.ErrInvalidParams):
		return http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil
	case errors.Is(err, store.ErrDuplicateOrderIndex):
		return http.StatusUnprocessableEntity, CodeValidation, "order_index is already used by another section", nil
	case errors.Is(err, store.ErrDuplicateTemplate):
		return http.StatusConflict, CodeConcurrentModified, "Template version was created concurrently", nil
	case errors.Is(err, rbac.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
