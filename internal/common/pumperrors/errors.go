// Package pumperrors contains the error types produced by the ingestion core
// and the classification used to decide retry and backoff behaviour.
//
// If multiple errors occur across report/facility pipelines, callers should
// aggregate them with an error of type multierror.Error from package
// github.com/hashicorp/go-multierror.
package pumperrors

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Category partitions failures by how the core reacts to them; see Classify.
type Category int

const (
	// CategoryTransient failures are retried with backoff and drive
	// scheduler/lane concurrency backoff.
	CategoryTransient Category = iota
	// CategoryAuth failures are fatal to the entire run.
	CategoryAuth
	// CategoryClient failures are fatal to a single report/facility pipeline.
	CategoryClient
	// CategoryCancelled marks failures produced by run cancellation.
	// Never retried.
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryAuth:
		return "auth"
	case CategoryClient:
		return "client"
	case CategoryCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// ErrStatus is a classified failure from the report service carrying the
// HTTP status code of the response, or 0 if the request failed before a
// status code was received.
type ErrStatus struct {
	Code    int    // HTTP status code, 0 if none was received
	Message string // An optional message to include in the error message
}

func (err *ErrStatus) Error() (s string) {
	if err.Code != 0 {
		s = fmt.Sprintf("report service returned status %d", err.Code)
	} else {
		s = "report service request failed without a status code"
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrCancelled is returned from any suspension point after the run's
// cancellation signal has fired.
type ErrCancelled struct {
	// Reason the run was cancelled, e.g., "shutdown requested".
	Reason string
}

func (err *ErrCancelled) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("run cancelled: %s", err.Reason)
	}
	return "run cancelled"
}

// ErrSchedulerClosed is returned by enqueue calls made after the scheduler
// has been cancelled.
type ErrSchedulerClosed struct {
	Reason string
}

func (err *ErrSchedulerClosed) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("scheduler closed: %s", err.Reason)
	}
	return "scheduler closed"
}

// ErrRetryExhausted wraps a transient error that failed every retry attempt.
// It classifies as terminal for the report/facility pipeline it occurred in.
type ErrRetryExhausted struct {
	Attempts int
	Last     error
}

func (err *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %s", err.Attempts, err.Last)
}

func (err *ErrRetryExhausted) Unwrap() error {
	return err.Last
}

// Classify maps an error to the category determining how the core reacts.
//
// Absence of a status code means transient, 408/429 and all 5xx are
// transient, 401/403 are auth, and any other 4xx is a client error.
// Context cancellation and ErrCancelled classify as cancelled. Retry
// exhaustion classifies as client, i.e., terminal for its pipeline but not
// for the run.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}
	var cancelled *ErrCancelled
	if errors.As(err, &cancelled) {
		return CategoryCancelled
	}
	var closed *ErrSchedulerClosed
	if errors.As(err, &closed) {
		return CategoryCancelled
	}
	var exhausted *ErrRetryExhausted
	if errors.As(err, &exhausted) {
		return CategoryClient
	}
	var status *ErrStatus
	if errors.As(err, &status) {
		switch {
		case status.Code == 0:
			return CategoryTransient
		case status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden:
			return CategoryAuth
		case status.Code == http.StatusRequestTimeout || status.Code == http.StatusTooManyRequests:
			return CategoryTransient
		case status.Code >= 500:
			return CategoryTransient
		case status.Code >= 400:
			return CategoryClient
		}
	}
	// Errors without a status code, e.g., network failures, are transient.
	return CategoryTransient
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return Classify(err) == CategoryTransient
}
