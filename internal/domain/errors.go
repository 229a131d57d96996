package domain

import (
	"errors"
	"fmt"
)

// Classification buckets every error the pipeline reacts to. Each stage
// catches exactly these classes and re-raises anything else; nothing is
// silently swallowed.
type Classification string

const (
	// ErrValidation - the caller violated a contract. Never retried.
	ErrValidation Classification = "validation"
	// ErrServiceUnavailable - a downstream service is unreachable after retries.
	ErrServiceUnavailable Classification = "service_unavailable"
	// ErrTimeout - a call exceeded its deadline.
	ErrTimeout Classification = "timeout"
	// ErrProtocol - the downstream returned malformed JSON.
	ErrProtocol Classification = "protocol_error"
	// ErrStoreUnavailable - the persistent store is unreachable.
	ErrStoreUnavailable Classification = "store_unavailable"
	// ErrBrokerFailure - order submission failed at the broker.
	ErrBrokerFailure Classification = "broker_failure"
	// ErrDataIntegrity - the store returned a state violating a documented invariant.
	ErrDataIntegrity Classification = "data_integrity"
	// ErrInternal - anything uncaught.
	ErrInternal Classification = "internal"
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class Classification
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with a classification. Returns nil if err is nil.
func Classified(class Classification, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Classifiedf wraps a formatted error with a classification.
func Classifiedf(class Classification, format string, args ...interface{}) error {
	return &ClassifiedError{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the classification of err, or ErrInternal for unclassified
// errors.
func ClassOf(err error) Classification {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrInternal
}

// IsClass reports whether err carries the given classification.
func IsClass(err error, class Classification) bool {
	return err != nil && ClassOf(err) == class
}

// Retryable reports whether the classification is worth retrying at the
// call site. Validation and protocol errors are terminal by definition.
func (c Classification) Retryable() bool {
	switch c {
	case ErrServiceUnavailable, ErrTimeout, ErrStoreUnavailable:
		return true
	}
	return false
}
