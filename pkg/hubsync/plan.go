// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hubsync/hubsync/internal/hubhttp"
)

// PlanItem represents a single file in the transfer plan.
type PlanItem struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	LFS  bool   `json:"lfs"`
	// Hash is the expected sha-256 hex digest when the listing carries
	// one (always the case for LFS files, whose OID is the digest).
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size"`
}

// Plan contains the list of files a snapshot would transfer.
type Plan struct {
	Repo     string     `json:"repo"`
	Revision string     `json:"revision"`
	Items    []PlanItem `json:"items"`
}

// TotalSize returns the summed size of all planned files.
func (p *Plan) TotalSize() int64 {
	var total int64
	for _, it := range p.Items {
		total += it.Size
	}
	return total
}

// PlanRepo builds the file list without downloading.
func PlanRepo(ctx context.Context, job Job, cfg Settings) (*Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validate(job); err != nil {
		return nil, err
	}
	if job.Revision == "" {
		job.Revision = "main"
	}
	return scanRepo(ctx, hubhttp.NewClient(), job, cfg)
}

// scanRepo walks the repo tree and builds a transfer plan.
func scanRepo(ctx context.Context, httpc *http.Client, job Job, cfg Settings) (*Plan, error) {
	var items []PlanItem
	seen := make(map[string]struct{}) // ensure each relative path appears once in the plan

	err := walkTree(ctx, httpc, cfg.Token, cfg.Endpoint, job, "", func(n treeNode) error {
		if n.Type != "file" && n.Type != "blob" {
			return nil
		}
		rel := n.Path
		if _, ok := seen[rel]; ok {
			return nil
		}
		seen[rel] = struct{}{}

		name := filepath.Base(rel)
		nameLower := strings.ToLower(name)
		relLower := strings.ToLower(rel)
		isLFS := n.LFS != nil

		// Excludes win over everything else.
		for _, ex := range job.Excludes {
			exLower := strings.ToLower(ex)
			if strings.Contains(nameLower, exLower) || strings.Contains(relLower, exLower) {
				return nil
			}
		}

		// Filters narrow the LFS selection; small metadata files always
		// come along. An unmatched LFS file is skipped only when it looks
		// like a model blob, so auxiliary LFS content still transfers.
		if isLFS && len(job.Filters) > 0 {
			matched := false
			for _, f := range job.Filters {
				if strings.Contains(nameLower, strings.ToLower(f)) {
					matched = true
					break
				}
			}
			if !matched {
				ext := strings.ToLower(filepath.Ext(name))
				if ext == ".bin" || ext == ".act" || ext == ".safetensors" || ext == ".zip" ||
					strings.HasSuffix(nameLower, ".gguf") || strings.HasSuffix(nameLower, ".ggml") {
					return nil
				}
			}
		}

		// For LFS files the node size is the pointer file, not the content.
		size := n.Size
		if n.LFS != nil && n.LFS.Size > 0 {
			size = n.LFS.Size
		}

		hash := n.Sha256
		if hash == "" && n.LFS != nil {
			hash = n.LFS.Oid
		}

		items = append(items, PlanItem{
			Path: rel,
			URL:  resolveURL(cfg.Endpoint, job, rel),
			LFS:  isLFS,
			Hash: hash,
			Size: size,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Plan{Repo: job.Repo, Revision: job.Revision, Items: items}, nil
}
