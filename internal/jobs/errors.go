// Package jobs implements the TaskPipe job execution engine.
//
// This file defines the error taxonomy workers use to classify handler
// failures into retryable and non-retryable outcomes.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// TransientError marks a failure as retry-eligible (network errors,
// dependency timeouts). The engine retries it with backoff until the job's
// attempt budget is exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retry-eligible failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a retry-eligible failure.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError marks a failure as non-retryable (invalid payload,
// programmer bug). The engine fails the job immediately regardless of the
// remaining attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classifier decides the error kind for errors that carry no explicit marker.
type Classifier func(error) models.ErrorKind

// ClassifyError maps a handler error to an error kind. Explicit markers win;
// an execution timeout counts as transient; otherwise the per-type classifier
// decides, defaulting to transient so unknown infrastructure errors get the
// benefit of a retry.
func ClassifyError(err error, classify Classifier) models.ErrorKind {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return models.ErrorKindPermanent
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return models.ErrorKindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTransient
	}
	if classify != nil {
		return classify(err)
	}
	return models.ErrorKindTransient
}
