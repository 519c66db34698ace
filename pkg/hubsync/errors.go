// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"errors"
	"fmt"

	"github.com/hubsync/hubsync/internal/hubhttp"
	"github.com/hubsync/hubsync/pkg/hubcache"
)

// Common errors returned by the library. The network sentinels are shared
// with the lower layers, so errors.Is works no matter which package
// produced the failure.
var (
	// ErrInvalidRepo is returned when the repository ID is not in
	// "owner/name" format.
	ErrInvalidRepo = errors.New("invalid repository ID: expected owner/name format")

	// ErrMissingRepo is returned when no repository is specified.
	ErrMissingRepo = errors.New("missing repository ID")

	// ErrNotCached is returned by cache lookups when no promoted entry
	// exists. It is a recoverable condition, not a failure.
	ErrNotCached = hubcache.ErrNotCached

	// ErrUnauthorized is returned when authentication is required but not
	// provided, or the token lacks access.
	ErrUnauthorized = hubhttp.ErrUnauthorized

	// ErrNotFound is returned when the repository or revision does not exist.
	ErrNotFound = hubhttp.ErrNotFound

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = hubhttp.ErrRateLimited

	// ErrNetworkFailure is reported when a transfer kept failing with
	// retryable errors until the retry budget ran out. The resumable
	// state on disk survives, so a later attempt picks up where this
	// one stopped.
	ErrNetworkFailure = hubhttp.ErrNetworkFailure
)

// SnapshotError reports that some files of a snapshot failed while the
// rest completed. The per-file outcomes in the report remain inspectable.
type SnapshotError struct {
	Failed int
	Total  int
	First  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%d of %d files failed: %v", e.Failed, e.Total, e.First)
}

func (e *SnapshotError) Unwrap() error { return e.First }
