package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrPoolExhausted = errors.New("proxy pool exhausted")
	ErrMaxRetries    = errors.New("max retries exceeded")
	ErrRunCancelled  = errors.New("run cancelled")
	ErrUnknownRegion = errors.New("unknown region")
)

// FetchErrorKind discriminates fetch failures for retry and run-log policy.
type FetchErrorKind string

const (
	FetchKindNetwork   FetchErrorKind = "network"
	FetchKindHTTP      FetchErrorKind = "http"
	FetchKindBlocked   FetchErrorKind = "blocked"
	FetchKindTimeout   FetchErrorKind = "timeout"
	FetchKindExhausted FetchErrorKind = "exhausted_retries"
)

// FetchError wraps errors that occur while fetching a page.
type FetchError struct {
	URL        string
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure warrants another attempt with a
// fresh endpoint. Soft blocks are not retryable here: the caller decides
// whether to skip the page or abort the run.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchKindNetwork, FetchKindTimeout:
		return true
	case FetchKindHTTP:
		return e.StatusCode == 429 || e.StatusCode >= 500
	}
	return false
}

// ErrorKind maps the fetch failure onto a run-log error kind.
func (e *FetchError) ErrorKind() ErrorKind {
	switch e.Kind {
	case FetchKindNetwork:
		return ErrorKindNetwork
	case FetchKindBlocked:
		return ErrorKindBlocked
	case FetchKindTimeout:
		return ErrorKindTimeout
	case FetchKindExhausted:
		return ErrorKindExhausted
	default:
		return ErrorKindHTTP
	}
}

// ParseError wraps a page whose structure could not be interpreted.
// Parse failures are logged and skipped, never propagated past the
// page boundary.
type ParseError struct {
	URL    string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.URL, e.Detail, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.URL, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure. Retried a few times with
// backoff; if it persists the run is marked failed, since unpersisted
// results are equivalent to no results.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RuleError reports a malformed rule-set entry. Fatal at run start:
// classification must be deterministic for every record.
type RuleError struct {
	Field  string
	Detail string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule set: %s: %s", e.Field, e.Detail)
}
