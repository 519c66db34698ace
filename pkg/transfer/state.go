// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Status names the phase a transfer is in. A transfer moves
// Planning -> (CacheHit | Fetching) -> Validating -> Promoted, or
// ends in Failed.
type Status uint8

const (
	// StatusPlanning is the metadata probe before any content moves.
	StatusPlanning Status = iota + 1

	// StatusCacheHit means the content store already holds a matching
	// entry; no bytes were fetched.
	StatusCacheHit

	// StatusFetching is the streaming phase, possibly resumed from a
	// checkpoint.
	StatusFetching

	// StatusValidating is the checksum pass over the temp file.
	StatusValidating

	// StatusPromoted means the entry landed in the content store.
	StatusPromoted

	// StatusFailed is a terminal failure for this attempt.
	StatusFailed
)

// String returns the snake_case name of the status.
func (s Status) String() string {
	switch s {
	case StatusPlanning:
		return "planning"
	case StatusCacheHit:
		return "cache_hit"
	case StatusFetching:
		return "fetching"
	case StatusValidating:
		return "validating"
	case StatusPromoted:
		return "promoted"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TransferState is the resume sidecar written next to an in-flight
// download. It records how many bytes of the temp file are known
// good, so an interrupted transfer resumes from the last checkpoint
// instead of byte zero. The sidecar only authorizes a resume when
// both the URL and the ETag still match; anything else restarts the
// download.
type TransferState struct {
	URL       string    `json:"url"`
	ETag      string    `json:"etag,omitempty"`
	Size      int64     `json:"size"`
	BytesDone int64     `json:"bytes_done"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the sidecar describes the same remote
// content: same URL and same validator.
func (st *TransferState) Matches(url, etag string) bool {
	return st.URL == url && st.ETag == etag
}

// loadState reads a resume sidecar. Missing or malformed sidecars
// return nil; the caller restarts from scratch.
func loadState(path string) *TransferState {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var st TransferState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil
	}
	if st.URL == "" || st.BytesDone < 0 {
		return nil
	}
	return &st
}

// save checkpoints the sidecar. Write-then-rename keeps a crash from
// leaving a torn JSON document behind.
func (st *TransferState) save(path string) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeState(path string) {
	os.Remove(path)
	os.Remove(path + ".tmp")
}
