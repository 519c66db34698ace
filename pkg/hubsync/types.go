// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import "time"

// Job defines what to mirror from the hub.
//
// A Job specifies the repository, revision, and optional filters for
// selecting which files to transfer. The Repo field is required and must be
// in "owner/name" format (e.g., "TheBloke/Mistral-7B-GGUF").
//
// Example:
//
//	job := hubsync.Job{
//	    Repo:     "TheBloke/Mistral-7B-GGUF",
//	    Revision: "main",
//	    Filters:  []string{"q4_k_m"},
//	}
type Job struct {
	// Repo is the repository ID in "owner/name" format.
	// This field is required.
	//
	// Examples:
	//   - "TheBloke/Mistral-7B-GGUF"
	//   - "meta-llama/Llama-2-7b"
	//   - "facebook/flores" (dataset)
	Repo string

	// IsDataset indicates this is a dataset repo, not a model.
	// When true, the hub's datasets API is used instead of the models API
	// and the cache scope becomes datasets--owner--name.
	IsDataset bool

	// Revision is the branch, tag, or commit SHA to transfer.
	// If empty, defaults to "main".
	Revision string

	// Filters select which large (LFS) files to download, matched
	// case-insensitively as substrings of the file name. If empty, all
	// files are downloaded. Small metadata files (configs, tokenizers)
	// are always included.
	//
	// Examples:
	//   - []string{"q4_0"} matches "model.Q4_0.gguf"
	//   - []string{"q4_k_m", "q5_k_m"} matches either quantization
	Filters []string

	// Excludes skip any file whose name or path contains one of these
	// strings, matched case-insensitively. Excludes win over Filters.
	Excludes []string

	// Extract unpacks downloaded archives (zip, tar, tar.gz, tar.zst, ...)
	// into a sibling directory next to the cache entry. Files that are not
	// archives are left untouched.
	Extract bool
}

// Settings configures transfer behavior.
//
// All fields have sensible defaults; the zero value works for public repos.
//
// Example with full configuration:
//
//	cfg := hubsync.Settings{
//	    CacheDir:           "./hub-cache",
//	    MaxActiveDownloads: 4,
//	    LFSThreshold:       "10MiB",
//	    Retries:            4,
//	    Token:              os.Getenv("HUB_TOKEN"),
//	}
type Settings struct {
	// CacheDir is the content store root. Files land as:
	//   <CacheDir>/<kind>s--<owner>--<name>/<revision>/<path>
	// If empty, defaults to "hub-cache".
	CacheDir string

	// Endpoint is the hub base URL, for mirrors or enterprise
	// deployments. If empty, defaults to DefaultEndpoint.
	Endpoint string

	// Token is the hub access token for private or gated repos.
	// Can also be set via the HUB_TOKEN environment variable (CLI).
	Token string

	// MaxActiveDownloads limits how many files download simultaneously
	// during a snapshot. If <= 0, defaults to 4.
	MaxActiveDownloads int

	// UploadConcurrency limits how many objects upload simultaneously.
	// If <= 0, defaults to 4.
	UploadConcurrency int

	// LFSThreshold is the minimum file size routed through the
	// large-object upload pipeline; smaller files are left to the commit
	// surface. Accepts human-readable sizes: "10MiB", "256MB", "1GiB".
	// If empty, defaults to "10MiB".
	LFSThreshold string

	// CheckpointWindow is how many downloaded bytes may pass between
	// resume-sidecar checkpoints; a crash loses at most one window.
	// If empty, defaults to "8MiB".
	CheckpointWindow string

	// Retries is the maximum number of retry attempts per HTTP request.
	// Each retry uses exponential backoff with jitter.
	// If 0, defaults to 3; negative disables retries.
	Retries int

	// RequestTimeout bounds each individual network request. A timeout
	// mid-download preserves the resume state. Accepts duration strings:
	// "30s", "2m". If empty, no per-request deadline is applied.
	RequestTimeout string

	// BackoffInitial is the initial delay before the first retry.
	// Accepts duration strings: "400ms", "1s". Defaults to "400ms".
	BackoffInitial string

	// BackoffMax is the maximum delay between retries.
	// Defaults to "10s".
	BackoffMax string
}

// DefaultSettings returns Settings with the defaults filled in.
//
// Use this as a starting point and override specific fields:
//
//	cfg := hubsync.DefaultSettings()
//	cfg.CacheDir = "/var/cache/hubsync"
//	cfg.Token = os.Getenv("HUB_TOKEN")
func DefaultSettings() Settings {
	return Settings{
		CacheDir:           "hub-cache",
		Endpoint:           DefaultEndpoint,
		MaxActiveDownloads: 4,
		UploadConcurrency:  4,
		LFSThreshold:       "10MiB",
		CheckpointWindow:   "8MiB",
		Retries:            3,
		BackoffInitial:     "400ms",
		BackoffMax:         "10s",
	}
}

// ProgressEvent represents a progress update during a transfer.
//
// Events are emitted throughout downloads and uploads to allow for
// progress display, logging, or integration with other systems.
//
// The Event field indicates the type of event:
//   - "scan_start": repository or folder scanning has begun
//   - "plan_item": a file has been added to the transfer plan
//   - "file_start": download of a file has started
//   - "file_progress": periodic progress update during download
//   - "file_done": file download complete (check Message for "skip" info)
//   - "upload_start": batch negotiation has begun
//   - "upload_progress": periodic progress update during upload
//   - "upload_done": object upload complete (check Message for "skip" info)
//   - "verify": integrity check in progress
//   - "retry": a retry attempt is being made
//   - "error": an error occurred
//   - "done": the whole operation is complete
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Level is the log level: "debug", "info", "warn", "error".
	// Empty defaults to "info".
	Level string `json:"level,omitempty"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// Repo is the repository being processed.
	Repo string `json:"repo,omitempty"`

	// Revision is the branch/tag/commit being transferred.
	Revision string `json:"revision,omitempty"`

	// Path is the relative file path within the repository.
	Path string `json:"path,omitempty"`

	// Oid is the content identifier of the object being uploaded.
	Oid string `json:"oid,omitempty"`

	// Part is the part number during a multipart upload (1-based).
	Part int `json:"part,omitempty"`

	// Total is the total expected size in bytes.
	Total int64 `json:"total,omitempty"`

	// Downloaded is the cumulative bytes moved so far for this file.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Attempt is the retry attempt number (1-based).
	// Only set in "retry" events.
	Attempt int `json:"attempt,omitempty"`

	// Message contains additional context or error details.
	// For "file_done" events, may contain "skip (reason)" if skipped.
	Message string `json:"message,omitempty"`

	// IsLFS indicates whether this file is stored in Git LFS.
	IsLFS bool `json:"isLfs,omitempty"`
}

// ProgressFunc is a callback for receiving progress events.
//
// Implement this to display progress in a UI, log events, or track
// transfers. The callback is invoked from multiple goroutines and should
// be thread-safe.
//
// Example:
//
//	progress := func(e hubsync.ProgressEvent) {
//	    switch e.Event {
//	    case "file_start":
//	        fmt.Printf("Downloading: %s\n", e.Path)
//	    case "file_done":
//	        fmt.Printf("Complete: %s\n", e.Path)
//	    case "error":
//	        fmt.Printf("Error: %s\n", e.Message)
//	    }
//	}
type ProgressFunc func(ProgressEvent)
