// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubsync/hubsync/pkg/hubsync"
)

// DownloadRequest is the request body for starting a download. The
// cache root is NOT configurable via the API; downloads always land in
// the server's configured store.
type DownloadRequest struct {
	Repo     string   `json:"repo"`
	Revision string   `json:"revision,omitempty"`
	Dataset  bool     `json:"dataset,omitempty"`
	Filters  []string `json:"filters,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
	Extract  bool     `json:"extract,omitempty"`
	DryRun   bool     `json:"dryRun,omitempty"`
}

// UploadRequest is the request body for publishing a server-local
// folder. The folder is resolved relative to the server's working
// directory; absolute paths and parent traversal are rejected so
// clients cannot publish arbitrary server files.
type UploadRequest struct {
	Repo    string `json:"repo"`
	Folder  string `json:"folder"`
	Dataset bool   `json:"dataset,omitempty"`
}

// PlanResponse is the response for a dry-run/plan request.
type PlanResponse struct {
	Repo       string     `json:"repo"`
	Revision   string     `json:"revision"`
	Files      []PlanFile `json:"files"`
	TotalSize  int64      `json:"totalSize"`
	TotalFiles int        `json:"totalFiles"`
}

// PlanFile represents a file in the plan.
type PlanFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  bool   `json:"lfs"`
}

// SettingsResponse represents current settings.
type SettingsResponse struct {
	Token             string `json:"token,omitempty"`
	CacheDir          string `json:"cacheDir"`
	Endpoint          string `json:"endpoint,omitempty"`
	MaxActive         int    `json:"maxActive"`
	UploadConcurrency int    `json:"uploadConcurrency"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// splitRepoFilters peels "owner/name:filter1,filter2" apart. The filter
// list is empty when the repo carries no ":" suffix.
func splitRepoFilters(repo string) (string, []string) {
	if !strings.Contains(repo, ":") {
		return repo, nil
	}
	parts := strings.SplitN(repo, ":", 2)
	var filters []string
	for _, f := range strings.Split(parts[1], ",") {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	return parts[0], filters
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": serverVersion,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartDownload starts a new download job.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: repo", "")
		return
	}

	repo, filters := splitRepoFilters(req.Repo)
	req.Repo = repo
	if len(req.Filters) == 0 {
		req.Filters = filters
	}

	if !hubsync.IsValidRepoID(req.Repo) {
		writeError(w, http.StatusBadRequest, "Invalid repo format", "Expected owner/name")
		return
	}

	if req.DryRun {
		s.handlePlanInternal(w, req)
		return
	}

	job, wasExisting, err := s.jobs.CreateDownload(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create job", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Download already in progress",
		})
	} else {
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handleStartUpload starts a new upload job.
func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: repo", "")
		return
	}
	if !hubsync.IsValidRepoID(req.Repo) {
		writeError(w, http.StatusBadRequest, "Invalid repo format", "Expected owner/name")
		return
	}
	if req.Folder == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: folder", "")
		return
	}

	clean := filepath.Clean(req.Folder)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		writeError(w, http.StatusBadRequest, "Invalid folder",
			"Folder must be relative to the server's working directory")
		return
	}
	req.Folder = clean

	job, wasExisting, err := s.jobs.CreateUpload(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid folder", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Upload already in progress",
		})
	} else {
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handlePlan returns a download plan without starting the download.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	req.DryRun = true
	s.handlePlanInternal(w, req)
}

func (s *Server) handlePlanInternal(w http.ResponseWriter, req DownloadRequest) {
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: repo", "")
		return
	}

	repo, filters := splitRepoFilters(req.Repo)
	req.Repo = repo
	if len(req.Filters) == 0 {
		req.Filters = filters
	}

	revision := req.Revision
	if revision == "" {
		revision = "main"
	}

	hJob := hubsync.Job{
		Repo:      req.Repo,
		Revision:  revision,
		IsDataset: req.Dataset,
		Filters:   req.Filters,
		Excludes:  req.Excludes,
	}
	cfg := s.jobs.Config()
	settings := hubsync.Settings{
		Endpoint: cfg.Endpoint,
		Token:    cfg.Token,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	plan, err := hubsync.PlanRepo(ctx, hJob, settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to scan repository", err.Error())
		return
	}

	resp := PlanResponse{
		Repo:       plan.Repo,
		Revision:   plan.Revision,
		Files:      make([]PlanFile, 0, len(plan.Items)),
		TotalSize:  plan.TotalSize(),
		TotalFiles: len(plan.Items),
	}
	for _, it := range plan.Items {
		resp.Files = append(resp.Files, PlanFile{Path: it.Path, Size: it.Size, LFS: it.LFS})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs returns all jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job, keeping it in the list.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

// handleDeleteJob removes a job from the list, cancelling it first if
// it is still active.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.DeleteJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job removed",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found", "")
	}
}

// handleGetSettings returns current settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.jobs.Config()

	// Don't expose the full token, just indicate it is set
	tokenStatus := ""
	if cfg.Token != "" {
		tokenStatus = "********" + cfg.Token[max(0, len(cfg.Token)-4):]
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		Token:             tokenStatus,
		CacheDir:          cfg.CacheDir,
		Endpoint:          cfg.Endpoint,
		MaxActive:         cfg.MaxActive,
		UploadConcurrency: cfg.UploadConcurrency,
	})
}

// handleUpdateSettings updates settings. The cache root and endpoint
// cannot be changed via the API.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token             *string `json:"token,omitempty"`
		MaxActive         *int    `json:"maxActive,omitempty"`
		UploadConcurrency *int    `json:"uploadConcurrency,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.jobs.UpdateConfig(func(c *Config) {
		if req.Token != nil {
			c.Token = *req.Token
		}
		if req.MaxActive != nil && *req.MaxActive > 0 {
			c.MaxActive = *req.MaxActive
		}
		if req.UploadConcurrency != nil && *req.UploadConcurrency > 0 {
			c.UploadConcurrency = *req.UploadConcurrency
		}
	})

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Settings updated",
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
