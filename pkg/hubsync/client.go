// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hubsync/hubsync/internal/hubhttp"
)

// DefaultEndpoint is the default hub URL. Override via Settings.Endpoint
// for mirrors or enterprise deployments.
const DefaultEndpoint = "https://huggingface.co"

// getEndpoint returns the endpoint to use, falling back to default if empty.
func getEndpoint(endpoint string) string {
	if endpoint == "" {
		return DefaultEndpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// treeNode represents a file or directory in the hub repo tree.
type treeNode struct {
	Type   string      `json:"type"` // "file"|"directory" (sometimes "blob"|"tree")
	Path   string      `json:"path"`
	Size   int64       `json:"size,omitempty"`
	LFS    *lfsPointer `json:"lfs,omitempty"`
	Sha256 string      `json:"sha256,omitempty"`
}

// lfsPointer carries LFS metadata for large files. Under sha256 hashing
// the OID is the content digest.
type lfsPointer struct {
	Oid  string `json:"oid,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// walkTree recursively walks the hub repo tree, calling fn for every
// non-directory node.
func walkTree(ctx context.Context, httpc *http.Client, token, endpoint string, job Job, prefix string, fn func(treeNode) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, treeURL(endpoint, job, prefix), nil)
	if err != nil {
		return err
	}
	hubhttp.AddAuth(req, token)
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := hubhttp.CheckStatus(resp); err != nil {
		if errors.Is(err, hubhttp.ErrUnauthorized) {
			return fmt.Errorf("%w: check your token or accept the repository terms at %s", err, agreementURL(endpoint, job))
		}
		return fmt.Errorf("tree API: %w", err)
	}

	var nodes []treeNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return fmt.Errorf("decode tree response: %w", err)
	}

	for _, n := range nodes {
		switch n.Type {
		case "directory", "tree":
			if err := walkTree(ctx, httpc, token, endpoint, job, n.Path, fn); err != nil {
				return err
			}
		default:
			if err := fn(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// URL builders - all accept endpoint to support custom mirrors

// resolveURL is the content download endpoint. It serves both regular and
// LFS files, redirecting large content to a delivery host; the transfer
// layer follows the redirect with credentials dropped.
func resolveURL(endpoint string, job Job, path string) string {
	ep := getEndpoint(endpoint)
	// job.Repo contains "/" which must NOT be escaped (the hub requires a literal slash)
	if job.IsDataset {
		return fmt.Sprintf("%s/datasets/%s/resolve/%s/%s", ep, job.Repo, url.PathEscape(job.Revision), pathEscapeAll(path))
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", ep, job.Repo, url.PathEscape(job.Revision), pathEscapeAll(path))
}

func treeURL(endpoint string, job Job, prefix string) string {
	ep := getEndpoint(endpoint)
	// Build URL without trailing slash when prefix is empty
	if prefix == "" {
		if job.IsDataset {
			return fmt.Sprintf("%s/api/datasets/%s/tree/%s", ep, job.Repo, url.PathEscape(job.Revision))
		}
		return fmt.Sprintf("%s/api/models/%s/tree/%s", ep, job.Repo, url.PathEscape(job.Revision))
	}
	if job.IsDataset {
		return fmt.Sprintf("%s/api/datasets/%s/tree/%s/%s", ep, job.Repo, url.PathEscape(job.Revision), pathEscapeAll(prefix))
	}
	return fmt.Sprintf("%s/api/models/%s/tree/%s/%s", ep, job.Repo, url.PathEscape(job.Revision), pathEscapeAll(prefix))
}

// batchURL is the Git-LFS batch negotiation endpoint for a repository.
func batchURL(endpoint string, job Job) string {
	ep := getEndpoint(endpoint)
	if job.IsDataset {
		return fmt.Sprintf("%s/datasets/%s.git/info/lfs/objects/batch", ep, job.Repo)
	}
	return fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", ep, job.Repo)
}

func agreementURL(endpoint string, job Job) string {
	ep := getEndpoint(endpoint)
	if job.IsDataset {
		return fmt.Sprintf("%s/datasets/%s", ep, job.Repo)
	}
	return fmt.Sprintf("%s/%s", ep, job.Repo)
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
