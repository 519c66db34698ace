// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package hubsync mirrors and publishes model/dataset repositories against a
hub's REST metadata API and Git-LFS batch protocol, keeping every
downloaded file in a bounded, content-addressed local cache.

# Features

  - Content-addressed cache: files live under <cache>/<kind>s--<owner>--<name>/<revision>/<path> with checksum sidecars
  - Resumable downloads: interrupted transfers continue from their last checkpoint, across process restarts
  - Integrity end to end: every download is hashed and validated before it becomes visible
  - LFS uploads: batch negotiation, single-part and multipart transfers, remote dedup by content
  - Retention: age- and size-bounded eviction plus full cache verification
  - Progress events: real-time callbacks for UI integration
  - Context cancellation: graceful shutdown that preserves resumable state

# Quick Start

Mirror a repository revision into the cache:

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/hubsync/hubsync/pkg/hubsync"
	)

	func main() {
		job := hubsync.Job{
			Repo:     "TheBloke/Mistral-7B-Instruct-v0.2-GGUF",
			Revision: "main",
			Filters:  []string{"q4_0"}, // Only the q4_0 quantization
		}

		cfg := hubsync.DefaultSettings()
		cfg.CacheDir = "./hub-cache"
		cfg.Token = "" // Set for private repos

		report, err := hubsync.Snapshot(context.Background(), job, cfg, func(e hubsync.ProgressEvent) {
			fmt.Printf("[%s] %s %s\n", e.Event, e.Path, e.Message)
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("downloaded %d, skipped %d\n", report.Downloaded, report.Skipped)
	}

# Datasets

Set IsDataset for dataset repositories; the cache scope and API routes
follow:

	job := hubsync.Job{
		Repo:      "facebook/flores",
		IsDataset: true,
	}

# Planning

Get the file list without downloading:

	plan, err := hubsync.PlanRepo(ctx, job, cfg)
	if err != nil {
		log.Fatal(err)
	}
	for _, item := range plan.Items {
		fmt.Printf("%s (%d bytes, LFS=%v)\n", item.Path, item.Size, item.LFS)
	}

# Uploading

Publish the large files of a local folder through the Git-LFS batch
protocol. Content the remote already holds is skipped without moving
bytes; files below the LFS threshold are reported as "inline" for the
commit surface:

	report, err := hubsync.UploadFolder(ctx, job, "./my-model", cfg, nil)

# Resume Behavior

Downloads stream into a temp file next to their final cache location,
with a small JSON sidecar checkpointed every few megabytes. A crash or
cancellation loses at most one checkpoint window; the next Snapshot picks
up from the watermark as long as the remote content (URL and ETag) is
unchanged. Stale checkpoints restart from zero.

# Verification

Every downloaded file is hashed with SHA-256 before promotion is even
considered; when the expected digest is known (LFS OID or strong ETag)
a mismatch discards the attempt and surfaces a checksum error. The
cache can be re-verified at any time against its checksum sidecars.

# Cache Maintenance

The cache is managed through pkg/hubcache:

	store, _ := hubcache.Open(cfg.CacheDir)
	store.Evict(hubcache.RetentionPolicy{MaxTotalSize: 50 << 30, MaxAge: 30 * 24 * time.Hour})
	report, _ := store.VerifyAll()

# Error Handling

Sentinels (ErrNotCached, ErrUnauthorized, ErrNotFound, ErrRateLimited)
work with errors.Is across all layers. Aggregate operations return
per-file outcomes alongside a first-failure error, so partial results
remain inspectable.

# Authentication

For private or gated repositories, set the Token field in Settings.
Storage uploads never receive the token: presigned storage URLs carry
their own credentials, and the bearer token goes only to the hub's own
endpoints.
*/
package hubsync
