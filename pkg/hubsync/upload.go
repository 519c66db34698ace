// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/hubsync/hubsync/internal/hubhttp"
	"github.com/hubsync/hubsync/pkg/lfs"
)

// DefaultLFSThreshold is the minimum size routed through the
// large-object pipeline. Smaller files belong to the commit surface,
// which ships them inline.
const DefaultLFSThreshold = 10 << 20

// UploadOutcome reports one file of a folder upload.
type UploadOutcome struct {
	Path string `json:"path"`
	// Oid is the content identifier; empty for inline files.
	Oid  string `json:"oid,omitempty"`
	Size int64  `json:"size"`
	// Status is "uploaded", "present" (remote already held the
	// content), "inline" (below the threshold, left to the commit
	// call), or "failed".
	Status string `json:"status"`
	// Parts is the number of upload requests the content moved in.
	Parts int   `json:"parts,omitempty"`
	Err   error `json:"-"`
}

// UploadReport aggregates a folder upload. Per-file outcomes stay
// inspectable even when some objects failed.
type UploadReport struct {
	Repo     string          `json:"repo"`
	Files    []UploadOutcome `json:"files"`
	Uploaded int             `json:"uploaded"`
	Present  int             `json:"present"`
	Inline   int             `json:"inline"`
	Failed   int             `json:"failed"`
}

// UploadFolder publishes the large files of a local folder to the hub's
// object store.
//
// Files at or above the LFS threshold are hashed, negotiated in one
// batch, and uploaded with bounded concurrency; content the remote
// already holds is skipped. Files below the threshold are reported as
// "inline" and left to the commit surface. One object's failure does not
// stop the others; the error is a *lfs.BatchError when any object failed.
func UploadFolder(ctx context.Context, job Job, folder string, cfg Settings, progress ProgressFunc) (*UploadReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validate(job); err != nil {
		return nil, err
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	threshold, err := parseSizeString(cfg.LFSThreshold, DefaultLFSThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid lfs-threshold: %w", err)
	}

	emit := func(ev ProgressEvent) {
		if progress != nil {
			if ev.Time.IsZero() {
				ev.Time = time.Now().UTC()
			}
			if ev.Repo == "" {
				ev.Repo = job.Repo
			}
			progress(ev)
		}
	}

	emit(ProgressEvent{Event: "scan_start", Message: "scanning folder"})

	report := &UploadReport{Repo: job.Repo}
	var objects []lfs.Object
	var objectFile []int // object index -> report.Files index
	pathByOid := make(map[string]string)

	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Size() < threshold {
			report.Files = append(report.Files, UploadOutcome{Path: rel, Size: info.Size(), Status: "inline"})
			return nil
		}

		obj, err := lfs.FromFile(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		emit(ProgressEvent{Event: "plan_item", Path: rel, Oid: obj.Oid, Total: obj.Size, IsLFS: true})

		report.Files = append(report.Files, UploadOutcome{Path: rel, Oid: obj.Oid, Size: obj.Size})
		objects = append(objects, obj)
		objectFile = append(objectFile, len(report.Files)-1)
		if _, ok := pathByOid[obj.Oid]; !ok {
			pathByOid[obj.Oid] = rel
		}
		return nil
	})
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return nil, err
	}

	// Part events report per-part byte counts; fold them into a running
	// total so Downloaded stays cumulative for multipart objects too.
	var sentMu sync.Mutex
	sent := make(map[string]int64)

	pipe := lfs.New(batchURL(cfg.Endpoint, job), lfs.Options{
		Client:         hubhttp.NewClient(),
		Token:          cfg.Token,
		Concurrency:    cfg.UploadConcurrency,
		Retries:        cfg.Retries,
		BackoffInitial: parseDurationString(cfg.BackoffInitial, 0),
		BackoffMax:     parseDurationString(cfg.BackoffMax, 0),
		OnEvent: func(ev lfs.Event) {
			bytes := ev.Bytes
			if ev.Phase == "part" {
				sentMu.Lock()
				sent[ev.Oid] += ev.Bytes
				bytes = sent[ev.Oid]
				sentMu.Unlock()
			}
			out := ProgressEvent{
				Path:       pathByOid[ev.Oid],
				Oid:        ev.Oid,
				Part:       ev.Part,
				Total:      ev.Total,
				Downloaded: bytes,
				IsLFS:      true,
			}
			switch ev.Phase {
			case "negotiate":
				out.Event = "upload_start"
				out.Message = ev.Message
			case "skip":
				out.Event = "upload_done"
				out.Message = "skip (already present)"
			case "upload", "part":
				out.Event = "upload_progress"
			case "verify":
				out.Event = "verify"
			case "retry":
				out.Event = "retry"
				out.Attempt = ev.Attempt
				out.Message = ev.Message
			case "done":
				out.Event = "upload_done"
			default:
				return
			}
			emit(out)
		},
	})

	outcomes, uploadErr := pipe.Upload(ctx, objects)
	for j, oc := range outcomes {
		fo := &report.Files[objectFile[j]]
		fo.Parts = oc.Parts
		switch {
		case oc.Err != nil:
			fo.Status = "failed"
			fo.Err = oc.Err
		case oc.Skipped:
			fo.Status = "present"
		default:
			fo.Status = "uploaded"
		}
	}
	// A pipeline that failed before producing outcomes leaves its
	// objects unresolved; count them as failed.
	for i := range report.Files {
		if report.Files[i].Status == "" {
			report.Files[i].Status = "failed"
			report.Files[i].Err = uploadErr
		}
	}

	for _, f := range report.Files {
		switch f.Status {
		case "uploaded":
			report.Uploaded++
		case "present":
			report.Present++
		case "inline":
			report.Inline++
		case "failed":
			report.Failed++
		}
	}

	if uploadErr != nil {
		return report, uploadErr
	}
	emit(ProgressEvent{
		Event: "done",
		Message: fmt.Sprintf("upload complete (uploaded %d, present %d, inline %d)",
			report.Uploaded, report.Present, report.Inline),
	})
	return report, nil
}
