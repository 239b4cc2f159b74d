package quota

import (
	"errors"
	"fmt"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Error codes surfaced to callers.
const (
	CodeDailyLimit        = "DAILY_LIMIT_REACHED"
	CodeProLimit          = "PRO_LIMIT_REACHED"
	CodeSpecialAgentLimit = "SPECIAL_AGENT_LIMIT_REACHED"
	CodeAuthRequired      = "AUTH_REQUIRED"
)

var (
	// ErrNotFound is returned when the subject has no record.
	ErrNotFound = store.ErrNotFound
	// ErrQuotaExceeded matches every *QuotaExceededError.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUnauthorizedForClass is returned when an anonymous caller asks for
	// a class that requires authentication.
	ErrUnauthorizedForClass = errors.New("you must log in to use this model")
	// ErrInvalidClass is returned for an unknown quota class.
	ErrInvalidClass = errors.New("invalid quota class")
	// ErrIdentityMismatch is returned when the claimed authentication state
	// does not match the stored record.
	ErrIdentityMismatch = errors.New("user identity does not match record")
)

// QuotaExceededError reports a denied check.
type QuotaExceededError struct {
	Class models.QuotaClass
	Count int64
	Limit int64
	Code  string
}

func (e *QuotaExceededError) Error() string {
	switch e.Class {
	case models.QuotaPro:
		return "daily pro model limit reached"
	case models.QuotaSpecialAgent:
		return "special agent usage limit reached"
	default:
		return "daily message limit reached"
	}
}

// Is makes errors.Is(err, ErrQuotaExceeded) true.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// CodeFor returns the limit-reached code for class.
func CodeFor(class models.QuotaClass) string {
	switch class {
	case models.QuotaPro:
		return CodeProLimit
	case models.QuotaSpecialAgent:
		return CodeSpecialAgentLimit
	default:
		return CodeDailyLimit
	}
}

// StorageError wraps a store failure with the operation that hit it.
type StorageError struct {
	Op        string
	SubjectID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("quota %s %s: %v", e.Op, e.SubjectID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
