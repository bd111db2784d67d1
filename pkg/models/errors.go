package models

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrNotFound          = errors.New("not found")
	ErrFilingUnavailable = errors.New("filing unavailable")
	ErrParseAmbiguous    = errors.New("parse ambiguous")
	ErrNoPriceData       = errors.New("no price data")
	ErrCacheCorruption   = errors.New("cache corruption")
	ErrCacheMiss         = errors.New("cache miss")
)

// PipelineError ties an error kind to the operation and subject it happened on.
type PipelineError struct {
	Kind    error
	Op      string // e.g. "ingest.FetchDocument"
	Subject string // ticker, accession or cache key
	Err     error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind so callers can use errors.Is(err, ErrNotFound).
func (e *PipelineError) Is(target error) bool {
	return e.Kind == target
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError builds a PipelineError.
func NewError(kind error, op, subject string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Subject: subject, Err: err}
}

// IsRetryable reports whether err is transient and worth retrying after backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsPermanent reports whether err should not be retried for the current attempt.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFilingUnavailable) ||
		errors.Is(err, ErrNoPriceData) ||
		errors.Is(err, ErrCacheCorruption)
}
