// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/hubsync/hubsync/pkg/hubcache"
)

// IsValidRepoID checks if the repository ID is in "owner/name" format.
func IsValidRepoID(repoID string) bool {
	if repoID == "" || !strings.Contains(repoID, "/") {
		return false
	}
	parts := strings.Split(repoID, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// validate checks that the job is well-formed.
func validate(job Job) error {
	if job.Repo == "" {
		return ErrMissingRepo
	}
	if !IsValidRepoID(job.Repo) {
		return fmt.Errorf("%w: %q", ErrInvalidRepo, job.Repo)
	}
	return nil
}

// repoScope maps a job onto its content-store scope.
func repoScope(job Job) (hubcache.Repo, error) {
	kind := hubcache.KindModel
	if job.IsDataset {
		kind = hubcache.KindDataset
	}
	return hubcache.ParseRepo(job.Repo, kind)
}

// ParseSize parses a human-readable size string (e.g., "32MiB") to bytes.
// Decimal (KB, MB, GB) and binary (KiB, MiB, GiB) units are accepted, as is
// a bare byte count.
func ParseSize(s string) (int64, error) {
	var n float64
	var unit string
	_, err := fmt.Sscanf(strings.ToUpper(strings.TrimSpace(s)), "%f%s", &n, &unit)
	if err != nil {
		var nn int64
		if _, e2 := fmt.Sscanf(s, "%d", &nn); e2 == nil {
			return nn, nil
		}
		return 0, err
	}
	switch unit {
	case "B", "":
		return int64(n), nil
	case "KB":
		return int64(n * 1000), nil
	case "MB":
		return int64(n * 1000 * 1000), nil
	case "GB":
		return int64(n * 1000 * 1000 * 1000), nil
	case "KIB":
		return int64(n * 1024), nil
	case "MIB":
		return int64(n * 1024 * 1024), nil
	case "GIB":
		return int64(n * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
}

// parseSizeString is ParseSize with an empty-string default.
func parseSizeString(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return ParseSize(s)
}

// parseDurationString parses a duration string, falling back to def when
// the string is empty or malformed.
func parseDurationString(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// defaultString returns s if non-empty, otherwise def.
func defaultString(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}
