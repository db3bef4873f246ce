package models

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

type ErrorCode string

const (
	CodeUnbalancedTransaction ErrorCode = "UNBALANCED_TRANSACTION"
	CodeInvalidLineSet        ErrorCode = "INVALID_LINE_SET"
	CodeEmptyExtraction       ErrorCode = "EMPTY_EXTRACTION"
	CodeAlreadyResolved       ErrorCode = "ALREADY_RESOLVED"
	CodeAlreadyClosed         ErrorCode = "ALREADY_CLOSED"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeStorageUnavailable    ErrorCode = "STORAGE_UNAVAILABLE"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeAlreadyReversed       ErrorCode = "ALREADY_REVERSED"
	CodeValidation            ErrorCode = "VALIDATION"
)

// CoreError is the single error type returned by the ledger, reconciler, ingestion and
// governance workflows. Callers branch on Code, or use errors.Is against the Err* sentinels.
type CoreError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *CoreError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

// Is matches any CoreError with the same code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Code == e.Code
}

func (e *CoreError) HTTPStatus() int {
	switch e.Code {
	case CodeUnbalancedTransaction, CodeInvalidLineSet, CodeEmptyExtraction:
		return http.StatusUnprocessableEntity
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAlreadyResolved, CodeAlreadyClosed, CodeInvalidTransition, CodeAlreadyReversed:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrUnbalancedTransaction = &CoreError{Code: CodeUnbalancedTransaction}
	ErrInvalidLineSet        = &CoreError{Code: CodeInvalidLineSet}
	ErrEmptyExtraction       = &CoreError{Code: CodeEmptyExtraction}
	ErrAlreadyResolved       = &CoreError{Code: CodeAlreadyResolved}
	ErrAlreadyClosed         = &CoreError{Code: CodeAlreadyClosed}
	ErrNotFound              = &CoreError{Code: CodeNotFound}
	ErrStorageUnavailable    = &CoreError{Code: CodeStorageUnavailable}
	ErrInvalidTransition     = &CoreError{Code: CodeInvalidTransition}
	ErrAlreadyReversed       = &CoreError{Code: CodeAlreadyReversed}
	ErrValidation            = &CoreError{Code: CodeValidation}
)

func NewUnbalancedTransactionError(residual decimal.Decimal) *CoreError {
	return &CoreError{
		Code:    CodeUnbalancedTransaction,
		Message: "lines do not sum to zero (residual " + residual.String() + ")",
		Details: map[string]any{"residual": residual.String()},
	}
}

func NewInvalidLineSetError(format string, args ...any) *CoreError {
	return &CoreError{Code: CodeInvalidLineSet, Message: fmt.Sprintf(format, args...)}
}

func NewEmptyExtractionError(documentId int) *CoreError {
	return &CoreError{
		Code:    CodeEmptyExtraction,
		Message: fmt.Sprintf("document %d produced no candidate lines", documentId),
		Details: map[string]any{"document_id": documentId},
	}
}

func NewAlreadyResolvedError(ghostEntryId int, status GhostStatus) *CoreError {
	return &CoreError{
		Code:    CodeAlreadyResolved,
		Message: fmt.Sprintf("ghost entry %d is %s", ghostEntryId, status),
		Details: map[string]any{"ghost_entry_id": ghostEntryId, "status": string(status)},
	}
}

func NewAlreadyClosedError(taskId int, status TaskStatus) *CoreError {
	return &CoreError{
		Code:    CodeAlreadyClosed,
		Message: fmt.Sprintf("governance task %d is %s", taskId, status),
		Details: map[string]any{"task_id": taskId, "status": string(status)},
	}
}

func NewNotFoundError(kind string, id any) *CoreError {
	return &CoreError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %v not found", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

func NewInvalidTransitionError(kind string, id int, from, to string) *CoreError {
	return &CoreError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("%s %d cannot move from %s to %s", kind, id, from, to),
		Details: map[string]any{"id": id, "from": from, "to": to},
	}
}

func NewAlreadyReversedError(transactionId int) *CoreError {
	return &CoreError{
		Code:    CodeAlreadyReversed,
		Message: fmt.Sprintf("transaction %d is already reversed", transactionId),
		Details: map[string]any{"transaction_id": transactionId},
	}
}

func NewValidationError(format string, args ...any) *CoreError {
	return &CoreError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// WrapStorageError turns a driver or gorm failure into STORAGE_UNAVAILABLE.
// CoreErrors pass through unchanged.
func WrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return &CoreError{Code: CodeStorageUnavailable, Message: op, cause: err}
}

// IsRetryable is true only for transient storage failures.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// AsCoreError extracts the CoreError from err, if any.
func AsCoreError(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
