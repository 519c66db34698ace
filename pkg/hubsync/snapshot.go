// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubsync/hubsync/internal/hubhttp"
	"github.com/hubsync/hubsync/pkg/hubcache"
	"github.com/hubsync/hubsync/pkg/transfer"
)

// scopeLockWait bounds how long a snapshot waits for another process
// working on the same repository before proceeding anyway.
const scopeLockWait = 10 * time.Second

// FileOutcome reports one file of a snapshot.
type FileOutcome struct {
	Path string `json:"path"`
	// Status is "promoted", "cache_hit", or "failed".
	Status string `json:"status"`
	// Bytes counts network bytes moved for this file; zero on a cache
	// hit, only the continued remainder on a resume.
	Bytes   int64 `json:"bytes"`
	Resumed bool  `json:"resumed,omitempty"`
	Err     error `json:"-"`
}

// SnapshotReport aggregates a whole-repo download. Per-file outcomes stay
// inspectable even when some files failed.
type SnapshotReport struct {
	Repo       string        `json:"repo"`
	Revision   string        `json:"revision"`
	Files      []FileOutcome `json:"files"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	BytesMoved int64         `json:"bytesMoved"`
}

// Snapshot mirrors a repository revision into the content store.
//
// Files already cached with matching content are skipped without network
// traffic. Interrupted downloads resume from their last checkpoint on the
// next call. One file's failure does not stop the others; the returned
// report carries every per-file outcome, and the error is a
// *SnapshotError when any file failed.
func Snapshot(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) (*SnapshotReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validate(job); err != nil {
		return nil, err
	}
	if job.Revision == "" {
		job.Revision = "main"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "hub-cache"
	}
	if cfg.MaxActiveDownloads <= 0 {
		cfg.MaxActiveDownloads = 4
	}

	checkpointBytes, err := parseSizeString(cfg.CheckpointWindow, transfer.DefaultCheckpointBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint-window: %w", err)
	}

	scope, err := repoScope(job)
	if err != nil {
		return nil, err
	}
	store, err := hubcache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	emit := func(ev ProgressEvent) {
		if progress != nil {
			if ev.Time.IsZero() {
				ev.Time = time.Now().UTC()
			}
			if ev.Repo == "" {
				ev.Repo = job.Repo
			}
			if ev.Revision == "" {
				ev.Revision = job.Revision
			}
			progress(ev)
		}
	}

	emit(ProgressEvent{Event: "scan_start", Message: "scanning repo"})

	httpc := hubhttp.NewClient()
	plan, err := scanRepo(ctx, httpc, job, cfg)
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return nil, err
	}

	byPath := make(map[string]PlanItem, len(plan.Items))
	for _, it := range plan.Items {
		byPath[it.Path] = it
	}

	engine := transfer.New(store, transfer.Options{
		Client:          httpc,
		Token:           cfg.Token,
		Retries:         cfg.Retries,
		CheckpointBytes: checkpointBytes,
		RequestTimeout:  parseDurationString(cfg.RequestTimeout, 0),
		BackoffInitial:  parseDurationString(cfg.BackoffInitial, 0),
		BackoffMax:      parseDurationString(cfg.BackoffMax, 0),
		OnEvent: func(ev transfer.Event) {
			out := ProgressEvent{
				Path:       ev.Path,
				Total:      ev.Total,
				Downloaded: ev.Bytes,
				IsLFS:      byPath[ev.Path].LFS,
			}
			switch {
			case ev.Attempt > 0:
				out.Event = "retry"
				out.Attempt = ev.Attempt
				out.Message = ev.Message
			case ev.Status == transfer.StatusPlanning:
				out.Event = "file_start"
			case ev.Status == transfer.StatusCacheHit:
				out.Event = "file_done"
				out.Message = "skip (cached)"
			case ev.Status == transfer.StatusFetching:
				out.Event = "file_progress"
			case ev.Status == transfer.StatusValidating:
				out.Event = "verify"
			case ev.Status == transfer.StatusPromoted:
				out.Event = "file_done"
			case ev.Status == transfer.StatusFailed:
				out.Event = "error"
				out.Level = "error"
				out.Message = ev.Message
			default:
				return
			}
			emit(out)
		},
	})

	// Advisory only: when another process is already working on this
	// scope we wait briefly, then proceed; rename-based promotion keeps
	// concurrent fetches correct either way.
	if lock, lerr := store.LockScope(scope, scopeLockWait); lerr == nil {
		defer lock.Unlock()
	}

	report := &SnapshotReport{
		Repo:     job.Repo,
		Revision: job.Revision,
		Files:    make([]FileOutcome, len(plan.Items)),
	}

	var g errgroup.Group
	g.SetLimit(cfg.MaxActiveDownloads)
	for i, it := range plan.Items {
		emit(ProgressEvent{Event: "plan_item", Path: it.Path, Total: it.Size, IsLFS: it.LFS})
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.Files[i] = FileOutcome{Path: it.Path, Status: "failed", Err: err}
				return nil
			}
			out, err := engine.Fetch(ctx, transfer.Request{
				URL:      it.URL,
				Repo:     scope,
				Revision: job.Revision,
				Path:     it.Path,
				Size:     it.Size,
				Hash:     it.Hash,
				Extract:  job.Extract,
			})
			if err != nil {
				// Failures stay in the outcome so the other files keep going.
				report.Files[i] = FileOutcome{Path: it.Path, Status: "failed", Err: err}
				return nil
			}
			report.Files[i] = FileOutcome{
				Path:    it.Path,
				Status:  out.Status.String(),
				Bytes:   out.BytesMoved,
				Resumed: out.Resumed,
			}
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for _, f := range report.Files {
		switch {
		case f.Err != nil:
			report.Failed++
			if firstErr == nil {
				firstErr = f.Err
			}
		case f.Status == transfer.StatusCacheHit.String():
			report.Skipped++
		default:
			report.Downloaded++
		}
		report.BytesMoved += f.Bytes
	}

	if firstErr != nil {
		return report, &SnapshotError{Failed: report.Failed, Total: len(report.Files), First: firstErr}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	emit(ProgressEvent{
		Event:   "done",
		Message: fmt.Sprintf("download complete (downloaded %d, skipped %d)", report.Downloaded, report.Skipped),
	})
	return report, nil
}
