// Package apperr defines the recoverable error taxonomy shared by the ledger,
// marketplace and reputation services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports an unknown listing, subscription, proposal or agent.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InsufficientCreditsError reports a deduction the balance could not cover.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

// InsufficientCredits builds an InsufficientCreditsError.
func InsufficientCredits(balance, required int64) error {
	return &InsufficientCreditsError{Balance: balance, Required: required}
}

// SubscriptionRequiredError reports a subscription listing bought without an
// active subscription to its domain.
type SubscriptionRequiredError struct {
	Domain string
}

func (e *SubscriptionRequiredError) Error() string {
	return fmt.Sprintf("subscription required for domain %q", e.Domain)
}

// SubscriptionRequired builds a SubscriptionRequiredError.
func SubscriptionRequired(domain string) error {
	return &SubscriptionRequiredError{Domain: domain}
}

// ValidationError reports malformed input to a write operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports an authenticated caller lacking a scope or right.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "forbidden: " + e.Reason
}

// Forbidden builds an AuthorizationError.
func Forbidden(format string, args ...any) error {
	return &AuthorizationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a concurrent-write conflict or an invalid state
// transition. Store conflicts are retried before they reach callers.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Conflict wraps err as a ConflictError.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &ConflictError{Err: err}
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// HTTPStatus maps err to the status code the API layer should return.
func HTTPStatus(err error) int {
	var (
		nf   *NotFoundError
		ic   *InsufficientCreditsError
		sr   *SubscriptionRequiredError
		ve   *ValidationError
		ae   *AuthorizationError
		conf *ConflictError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ic), errors.As(err, &sr):
		return http.StatusPaymentRequired
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusForbidden
	case errors.As(err, &conf):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
