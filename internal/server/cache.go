// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hubsync/hubsync/pkg/hubcache"
	"github.com/hubsync/hubsync/pkg/hubsync"
)

// CacheEntryInfo is one cached file as reported by the cache endpoints.
type CacheEntryInfo struct {
	Repo       string    `json:"repo"`
	Kind       string    `json:"kind"`
	Revision   string    `json:"revision"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	AccessedAt time.Time `json:"accessedAt"`
	Hash       string    `json:"hash,omitempty"`
}

// CacheListResponse summarizes the content store.
type CacheListResponse struct {
	Entries   []CacheEntryInfo `json:"entries"`
	Count     int              `json:"count"`
	TotalSize int64            `json:"totalSize"`
}

// EvictRequest bounds the store. Sizes are human-readable ("20GiB");
// ages are Go durations ("720h"). Omitted fields are unlimited.
type EvictRequest struct {
	MaxTotalSize string `json:"maxTotalSize,omitempty"`
	MaxAge       string `json:"maxAge,omitempty"`
}

// EvictResponse lists what an eviction pass removed.
type EvictResponse struct {
	Evicted int              `json:"evicted"`
	Freed   int64            `json:"freed"`
	Entries []CacheEntryInfo `json:"entries,omitempty"`
}

// VerifyResponse is the result of a full integrity pass.
type VerifyResponse struct {
	Valid     int              `json:"valid"`
	Unchecked int              `json:"unchecked"`
	Corrupted []CorruptionInfo `json:"corrupted,omitempty"`
	OK        bool             `json:"ok"`
}

// CorruptionInfo is one entry whose content no longer matches its
// recorded digest.
type CorruptionInfo struct {
	Repo     string `json:"repo"`
	Revision string `json:"revision"`
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func cacheEntryInfo(e hubcache.Entry) CacheEntryInfo {
	return CacheEntryInfo{
		Repo:       e.Repo.ID(),
		Kind:       string(e.Repo.Kind),
		Revision:   e.Revision,
		Path:       e.Path,
		Size:       e.Size,
		AccessedAt: e.AccessedAt,
		Hash:       e.Hash,
	}
}

func (s *Server) openStore(w http.ResponseWriter) (*hubcache.Store, bool) {
	store, err := hubcache.Open(s.config.CacheDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open cache", err.Error())
		return nil, false
	}
	return store, true
}

// handleCacheList returns every cached file with totals.
func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	store, ok := s.openStore(w)
	if !ok {
		return
	}

	entries, err := store.Entries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to scan cache", err.Error())
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Repo != b.Repo {
			return a.Repo.CacheDir() < b.Repo.CacheDir()
		}
		if a.Revision != b.Revision {
			return a.Revision < b.Revision
		}
		return a.Path < b.Path
	})

	resp := CacheListResponse{Entries: make([]CacheEntryInfo, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, cacheEntryInfo(e))
		resp.TotalSize += e.Size
	}
	resp.Count = len(resp.Entries)

	writeJSON(w, http.StatusOK, resp)
}

// handleCacheVerify re-hashes every cached file against its recorded
// digest. Corrupted entries are reported, never deleted.
func (s *Server) handleCacheVerify(w http.ResponseWriter, r *http.Request) {
	store, ok := s.openStore(w)
	if !ok {
		return
	}

	report, err := store.VerifyAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to verify cache", err.Error())
		return
	}

	resp := VerifyResponse{
		Valid:     len(report.Valid),
		Unchecked: len(report.Unchecked),
		OK:        report.OK(),
	}
	for _, c := range report.Corrupted {
		resp.Corrupted = append(resp.Corrupted, CorruptionInfo{
			Repo:     c.Entry.Repo.ID(),
			Revision: c.Entry.Revision,
			Path:     c.Entry.Path,
			Expected: c.Expected,
			Actual:   c.Actual,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCacheEvict brings the store within the requested bounds.
func (s *Server) handleCacheEvict(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	var policy hubcache.RetentionPolicy
	if req.MaxTotalSize != "" {
		n, err := hubsync.ParseSize(req.MaxTotalSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid maxTotalSize", err.Error())
			return
		}
		policy.MaxTotalSize = n
	}
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid maxAge", err.Error())
			return
		}
		policy.MaxAge = d
	}
	if policy == (hubcache.RetentionPolicy{}) {
		writeError(w, http.StatusBadRequest, "Nothing to do", "Set maxTotalSize and/or maxAge")
		return
	}

	store, ok := s.openStore(w)
	if !ok {
		return
	}

	removed, err := store.Evict(policy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Eviction failed", err.Error())
		return
	}

	resp := EvictResponse{Evicted: len(removed)}
	for _, e := range removed {
		resp.Freed += e.Size
		resp.Entries = append(resp.Entries, cacheEntryInfo(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCacheClear removes everything cached for one repository.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	kind := hubcache.Kind(r.PathValue("kind"))
	id := r.PathValue("owner") + "/" + r.PathValue("name")

	repo, err := hubcache.ParseRepo(id, kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid repository", err.Error())
		return
	}

	store, ok := s.openStore(w)
	if !ok {
		return
	}

	scopeDir := filepath.Join(store.Root(), repo.CacheDir())
	if _, err := os.Stat(scopeDir); os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "Nothing cached for "+repo.String(), "")
		return
	}

	if err := store.ClearScope(repo); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear cache", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Cache cleared for " + repo.String(),
	})
}
