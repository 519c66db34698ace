// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubhttp

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for hub API responses.
var (
	// ErrUnauthorized is returned when authentication is required but
	// not provided, or the token lacks access.
	ErrUnauthorized = errors.New("unauthorized: this repository requires authentication")

	// ErrNotFound is returned when the repository, revision or file
	// does not exist.
	ErrNotFound = errors.New("repository or revision not found")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limited: too many requests")

	// ErrNetworkFailure is reported when a request kept failing with
	// retryable errors until the retry budget ran out.
	ErrNetworkFailure = errors.New("network failure: retries exhausted")
)

// APIError represents a non-2xx response from a hub server.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Status)
}

// IsRetryable returns true if the request might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrUnauthorized)
	case 404:
		return errors.Is(target, ErrNotFound)
	case 429:
		return errors.Is(target, ErrRateLimited)
	default:
		return false
	}
}

// NetworkError reports a request that kept failing with retryable
// errors until the retry budget ran out. Attempts counts every try,
// including the first.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is implements errors.Is against the exhaustion sentinel.
func (e *NetworkError) Is(target error) bool {
	return errors.Is(target, ErrNetworkFailure)
}

// Retryable reports whether another attempt at the failed request is
// worthwhile. Transport failures and retryable API statuses qualify;
// cancellation does not. A per-request deadline counts as retryable
// because the enclosing operation may still have time left. A
// NetworkError is terminal: its retry budget has already been spent.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}

// Exhausted wraps err in a NetworkError recording how many attempts
// were made. Terminal errors, which Retryable would refuse anyway, pass
// through unchanged.
func Exhausted(err error, attempts int) error {
	if !Retryable(err) {
		return err
	}
	return &NetworkError{Attempts: attempts, Err: err}
}
