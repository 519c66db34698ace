// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the download engine: it plans against
// the content store, streams remote content to a temp file with
// periodic resume checkpoints, validates checksums, and promotes
// verified bytes into the store.
//
// Every fetch walks an explicit state machine
// (Planning -> CacheHit | Fetching -> Validating -> Promoted) and
// reports each phase through an optional event callback. Network
// failures are retried a bounded number of times and always preserve
// the resume sidecar; checksum mismatches discard the attempt and
// are never retried silently.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubsync/hubsync/internal/hashutil"
	"github.com/hubsync/hubsync/internal/hubhttp"
	"github.com/hubsync/hubsync/pkg/archive"
	"github.com/hubsync/hubsync/pkg/hubcache"
)

const (
	// DefaultCheckpointBytes is the resume sidecar write window: a
	// crash loses at most this many bytes of progress.
	DefaultCheckpointBytes = 8 << 20

	// DefaultRetries is the bounded retry budget for network errors.
	DefaultRetries = 3

	// progressInterval throttles progress events during streaming.
	progressInterval = 200 * time.Millisecond
)

// Request names one file to bring into the content store.
type Request struct {
	// URL is the resolve endpoint for the file content.
	URL string

	// Repo, Revision and Path place the file in the content store.
	Repo     hubcache.Repo
	Revision string
	Path     string

	// Size is the expected content size from the repo listing, or 0
	// when unknown.
	Size int64

	// Hash is the expected sha-256 hex digest from the repo listing,
	// or "" when unknown.
	Hash string

	// Extract unpacks the file next to its cache entry when it is a
	// recognized archive.
	Extract bool
}

func (r Request) validate() error {
	if r.URL == "" {
		return errors.New("missing download URL")
	}
	if !r.Repo.Kind.Valid() || r.Repo.Owner == "" || r.Repo.Name == "" {
		return errors.New("invalid repository scope")
	}
	if r.Revision == "" {
		return errors.New("missing revision")
	}
	if r.Path == "" {
		return errors.New("missing path")
	}
	return nil
}

// Event is a coarse notification emitted while a transfer runs.
// Attempt is non-zero only on retry notifications.
type Event struct {
	Status  Status
	Path    string
	Bytes   int64
	Total   int64
	Attempt int
	Message string
}

// Outcome reports a finished transfer. Status is StatusCacheHit when
// the store already held matching content and StatusPromoted
// otherwise.
type Outcome struct {
	Status Status
	Entry  hubcache.Entry

	// BytesMoved counts network bytes fetched by this call; zero on a
	// cache hit, and only the continued remainder on a resume.
	BytesMoved int64

	// Resumed is true when a previous checkpoint was continued.
	Resumed bool

	// Extraction is set when Request.Extract was true. A
	// FormatUnknown result means the file is not an archive; that is
	// informational, not a failure.
	Extraction *archive.Result
}

// ChecksumError reports a digest mismatch after download. It is
// terminal for the attempt: the temp file and resume sidecar are
// discarded, and the engine never silently retries it.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Options configures an Engine.
type Options struct {
	// Client is used for all requests; defaults to hubhttp.NewClient.
	Client *http.Client

	// Token authenticates requests against the hub.
	Token string

	// Retries bounds additional attempts after a retryable network
	// failure. Zero means DefaultRetries; negative disables retries.
	Retries int

	// CheckpointBytes overrides the sidecar write window.
	CheckpointBytes int64

	// RequestTimeout bounds each individual HTTP attempt. A timeout
	// mid-download preserves the resume sidecar. Zero means no
	// per-attempt deadline.
	RequestTimeout time.Duration

	// BackoffInitial and BackoffMax shape the retry backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// OnEvent receives phase and progress notifications; may be nil.
	OnEvent func(Event)
}

// Engine downloads files into a content store.
type Engine struct {
	store *hubcache.Store
	opts  Options
}

// New creates an engine over the given store.
func New(store *hubcache.Store, opts Options) *Engine {
	if opts.Client == nil {
		opts.Client = hubhttp.NewClient()
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = DefaultCheckpointBytes
	}
	return &Engine{store: store, opts: opts}
}

func (e *Engine) emit(ev Event) {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}
}

// Fetch brings one file into the content store. A matching cache
// entry short-circuits without network traffic; otherwise content
// streams to a temp file, resuming from a checkpoint when the resume
// sidecar still matches the remote (URL, ETag).
func (e *Engine) Fetch(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	e.emit(Event{Status: StatusPlanning, Path: req.Path, Total: req.Size})

	out, err := e.locateOrFetch(ctx, req)
	if err != nil {
		e.emit(Event{Status: StatusFailed, Path: req.Path, Message: err.Error()})
		return nil, err
	}

	if req.Extract {
		target := archive.TargetDir(out.Entry.AbsPath, out.Entry.Hash)
		res, err := archive.Extract(ctx, out.Entry.AbsPath, target)
		if err != nil {
			e.emit(Event{Status: StatusFailed, Path: req.Path, Message: err.Error()})
			return nil, fmt.Errorf("extract %s: %w", req.Path, err)
		}
		out.Extraction = res
	}
	return out, nil
}

func (e *Engine) locateOrFetch(ctx context.Context, req Request) (*Outcome, error) {
	// A caller-supplied hash can settle the plan without touching the
	// network at all.
	if req.Hash != "" {
		if entry, err := e.store.Locate(req.Repo, req.Revision, req.Path); err == nil && hashutil.Equal(entry.Hash, req.Hash) {
			e.emit(Event{Status: StatusCacheHit, Path: req.Path, Total: entry.Size})
			return &Outcome{Status: StatusCacheHit, Entry: entry}, nil
		}
	}

	size, etag, err := e.probe(ctx, req)
	if err != nil {
		return nil, err
	}
	if entry, err := e.store.Locate(req.Repo, req.Revision, req.Path); err == nil && planMatches(entry, size, etag, req.Hash) {
		e.emit(Event{Status: StatusCacheHit, Path: req.Path, Total: entry.Size})
		return &Outcome{Status: StatusCacheHit, Entry: entry}, nil
	}
	return e.fetch(ctx, req, size, etag)
}

// probe HEADs the URL for size and validator; no body moves in
// either direction.
func (e *Engine) probe(ctx context.Context, req Request) (int64, string, error) {
	retry := hubhttp.NewBackoff(e.opts.BackoffInitial, e.opts.BackoffMax)
	var lastErr error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		size, etag, err := e.probeOnce(ctx, req)
		if err == nil {
			return size, etag, nil
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == e.opts.Retries {
			break
		}
		e.emit(Event{Status: StatusPlanning, Path: req.Path, Attempt: attempt + 1, Message: err.Error()})
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			return 0, "", ctx.Err()
		}
	}
	return 0, "", hubhttp.Exhausted(lastErr, e.opts.Retries+1)
}

func (e *Engine) probeOnce(ctx context.Context, req Request) (int64, string, error) {
	ctx, cancel := e.attemptCtx(ctx)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return 0, "", err
	}
	hubhttp.AddAuth(hreq, e.opts.Token)
	resp, err := e.opts.Client.Do(hreq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if err := hubhttp.CheckStatus(resp); err != nil {
		return 0, "", err
	}

	size := req.Size
	if resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	return size, cleanETag(resp.Header.Get("ETag")), nil
}

// fetch streams the content to the entry's temp file and promotes it
// after validation.
func (e *Engine) fetch(ctx context.Context, req Request, size int64, etag string) (*Outcome, error) {
	finalPath := e.store.EntryPath(req.Repo, req.Revision, req.Path)
	tmpPath := finalPath + hubcache.IncompleteSuffix
	statePath := finalPath + hubcache.StateSuffix
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	st, resumed := resumeState(statePath, tmpPath, req.URL, etag)
	if !resumed {
		st = &TransferState{URL: req.URL, ETag: etag, Size: size, StartedAt: time.Now().UTC()}
	}
	if st.Size <= 0 {
		st.Size = size
	}

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	e.emit(Event{Status: StatusFetching, Path: req.Path, Bytes: st.BytesDone, Total: st.Size})

	retry := hubhttp.NewBackoff(e.opts.BackoffInitial, e.opts.BackoffMax)
	var moved int64
	var lastErr error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			dst.Close()
			return nil, err
		}
		n, err := e.stream(ctx, req, st, statePath, dst)
		moved += n
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == e.opts.Retries {
			break
		}
		e.emit(Event{Status: StatusFetching, Path: req.Path, Bytes: st.BytesDone, Total: st.Size, Attempt: attempt + 1, Message: err.Error()})
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			dst.Close()
			return nil, ctx.Err()
		}
	}
	closeErr := dst.Close()
	if lastErr != nil {
		// The sidecar stays behind so a later call can resume.
		return nil, hubhttp.Exhausted(lastErr, e.opts.Retries+1)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	}

	e.emit(Event{Status: StatusValidating, Path: req.Path, Bytes: st.BytesDone, Total: st.Size})
	sum, _, err := hashutil.SumFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("hash temp file: %w", err)
	}
	expected := req.Hash
	if expected == "" && hashutil.IsHex(etag) {
		expected = etag
	}
	if expected != "" && !hashutil.Equal(sum, expected) {
		os.Remove(tmpPath)
		removeState(statePath)
		return nil, &ChecksumError{Path: req.Path, Expected: strings.ToLower(expected), Actual: sum}
	}

	entry, err := e.store.Promote(tmpPath, req.Repo, req.Revision, req.Path, sum)
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", req.Path, err)
	}
	removeState(statePath)
	e.emit(Event{Status: StatusPromoted, Path: req.Path, Bytes: entry.Size, Total: entry.Size})

	return &Outcome{Status: StatusPromoted, Entry: entry, BytesMoved: moved, Resumed: resumed}, nil
}

// resumeState loads the sidecar and decides whether it authorizes a
// resume: it must describe the same (URL, ETag) and the temp file
// must hold at least the checkpointed bytes.
func resumeState(statePath, tmpPath, url, etag string) (*TransferState, bool) {
	st := loadState(statePath)
	if st == nil || !st.Matches(url, etag) || st.BytesDone <= 0 {
		return nil, false
	}
	fi, err := os.Stat(tmpPath)
	if err != nil || fi.Size() < st.BytesDone {
		return nil, false
	}
	return st, true
}

// stream performs one GET attempt, continuing at the sidecar's
// watermark. Bytes are counted into the sidecar only after they hit
// the temp file, and the sidecar is checkpointed every
// CheckpointBytes so a crash loses at most one window.
func (e *Engine) stream(ctx context.Context, req Request, st *TransferState, statePath string, dst *os.File) (int64, error) {
	// Align the file to the watermark; anything past it is from an
	// aborted write and re-downloads.
	if err := dst.Truncate(st.BytesDone); err != nil {
		return 0, fmt.Errorf("truncate temp file: %w", err)
	}
	if _, err := dst.Seek(st.BytesDone, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek temp file: %w", err)
	}

	attemptCtx, cancel := e.attemptCtx(ctx)
	defer cancel()

	hreq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, err
	}
	hubhttp.AddAuth(hreq, e.opts.Token)
	if st.BytesDone > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.BytesDone))
	}

	resp, err := e.opts.Client.Do(hreq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case st.BytesDone > 0 && resp.StatusCode == http.StatusPartialContent:
		// Continuing at the watermark.
	case resp.StatusCode == http.StatusOK:
		// Full body: the server ignored the range (or none was sent),
		// so previous progress is void.
		if st.BytesDone > 0 {
			if err := dst.Truncate(0); err != nil {
				return 0, fmt.Errorf("truncate temp file: %w", err)
			}
			if _, err := dst.Seek(0, io.SeekStart); err != nil {
				return 0, fmt.Errorf("seek temp file: %w", err)
			}
			st.BytesDone = 0
		}
		if resp.ContentLength > 0 {
			st.Size = resp.ContentLength
		}
	default:
		if err := hubhttp.CheckStatus(resp); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	buf := make([]byte, 256<<10)
	var moved int64
	var window int64
	var lastEmit time.Time
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return moved, fmt.Errorf("write temp file: %w", werr)
			}
			moved += int64(n)
			st.BytesDone += int64(n)
			window += int64(n)
			if window >= e.opts.CheckpointBytes {
				window = 0
				if err := st.save(statePath); err != nil {
					return moved, fmt.Errorf("checkpoint resume state: %w", err)
				}
			}
			if now := time.Now(); now.Sub(lastEmit) >= progressInterval {
				lastEmit = now
				e.emit(Event{Status: StatusFetching, Path: req.Path, Bytes: st.BytesDone, Total: st.Size})
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			// Record what landed before surfacing the failure.
			st.save(statePath)
			return moved, rerr
		}
	}

	if st.Size > 0 && st.BytesDone < st.Size {
		st.save(statePath)
		return moved, io.ErrUnexpectedEOF
	}
	return moved, st.save(statePath)
}

func (e *Engine) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

// planMatches reports whether a cached entry already satisfies the
// remote content: by expected hash first, then by strong ETag,
// finally by size when the validator is opaque.
func planMatches(entry hubcache.Entry, size int64, etag, wantHash string) bool {
	if wantHash != "" {
		return hashutil.Equal(entry.Hash, wantHash)
	}
	if hashutil.IsHex(etag) {
		return hashutil.Equal(entry.Hash, etag)
	}
	return size > 0 && entry.Size == size
}

// cleanETag strips quotes and the weak-validator prefix from an ETag
// header value.
func cleanETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
