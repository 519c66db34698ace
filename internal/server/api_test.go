// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testManagerConfig(t)
	cfg.Addr = "127.0.0.1"
	cfg.Port = 0
	return New(cfg)
}

func postJSON(handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	if resp["version"] != serverVersion {
		t.Errorf("Expected version %s, got %v", serverVersion, resp["version"])
	}
}

func TestAPI_GetSettings(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/settings", nil)
	w := httptest.NewRecorder()
	srv.handleGetSettings(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp SettingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.CacheDir != srv.config.CacheDir {
		t.Errorf("Expected cacheDir %s, got %s", srv.config.CacheDir, resp.CacheDir)
	}
	if resp.MaxActive != 4 || resp.UploadConcurrency != 4 {
		t.Errorf("Expected default concurrency 4/4, got %d/%d", resp.MaxActive, resp.UploadConcurrency)
	}
}

func TestAPI_GetSettings_TokenMasked(t *testing.T) {
	cfg := testManagerConfig(t)
	cfg.Token = "hub_abcdefghijklmnop"
	srv := New(cfg)

	req := httptest.NewRequest("GET", "/api/settings", nil)
	w := httptest.NewRecorder()
	srv.handleGetSettings(w, req)

	var resp SettingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Token == "hub_abcdefghijklmnop" {
		t.Error("Token should be masked, not exposed in full")
	}
	if resp.Token != "********mnop" {
		t.Errorf("Expected masked token ********mnop, got %s", resp.Token)
	}
}

func TestAPI_UpdateSettings(t *testing.T) {
	srv := newTestServer(t)

	w := postJSON(srv.handleUpdateSettings, "/api/settings",
		`{"maxActive": 8, "uploadConcurrency": 6}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	cfg := srv.jobs.Config()
	if cfg.MaxActive != 8 {
		t.Errorf("Expected maxActive 8, got %d", cfg.MaxActive)
	}
	if cfg.UploadConcurrency != 6 {
		t.Errorf("Expected uploadConcurrency 6, got %d", cfg.UploadConcurrency)
	}
}

func TestAPI_UpdateSettings_CantChangeCacheDir(t *testing.T) {
	srv := newTestServer(t)
	original := srv.jobs.Config().CacheDir

	postJSON(srv.handleUpdateSettings, "/api/settings",
		`{"cacheDir": "/etc/passwd", "endpoint": "http://evil.example"}`)

	cfg := srv.jobs.Config()
	if cfg.CacheDir != original {
		t.Errorf("CacheDir should not be changeable via API, got %s", cfg.CacheDir)
	}
	if cfg.Endpoint != srv.config.Endpoint {
		t.Errorf("Endpoint should not be changeable via API, got %s", cfg.Endpoint)
	}
}

func TestAPI_StartDownload_ValidatesRepo(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "missing repo",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid repo format",
			body:     `{"repo": "invalid"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "valid repo",
			body:     `{"repo": "owner/name"}`,
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(srv.handleStartDownload, "/api/download", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d. Body: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestAPI_StartDownload_DuplicateReturnsExisting(t *testing.T) {
	srv := newTestServer(t)

	insertActive(srv.jobs, &Job{
		ID:       "dup1",
		Kind:     JobKindDownload,
		Repo:     "dup/test",
		Revision: "main",
	})

	w := postJSON(srv.handleStartDownload, "/api/download", `{"repo": "dup/test"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Duplicate request should return 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["message"] != "Download already in progress" {
		t.Errorf("Expected duplicate message, got %v", resp["message"])
	}
	jobMap := resp["job"].(map[string]any)
	if jobMap["id"] != "dup1" {
		t.Error("Duplicate should return the existing job")
	}
}

func TestAPI_ParseFiltersFromRepo(t *testing.T) {
	srv := newTestServer(t)

	w := postJSON(srv.handleStartDownload, "/api/download", `{"repo": "owner/model:q4_0,q5_0"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	var resp Job
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Repo != "owner/model" {
		t.Errorf("Repo should be parsed without filters, got %s", resp.Repo)
	}
	if len(resp.Filters) != 2 {
		t.Errorf("Expected 2 filters, got %d", len(resp.Filters))
	}
}

func TestAPI_StartUpload_ValidatesFolder(t *testing.T) {
	srv := newTestServer(t)

	// A real directory relative to the working directory.
	abs, err := os.MkdirTemp(".", "uploadtest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(abs) })
	rel := filepath.Base(abs)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "missing repo",
			body:     `{"folder": "` + rel + `"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing folder",
			body:     `{"repo": "owner/name"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "absolute folder rejected",
			body:     `{"repo": "owner/name", "folder": "/etc"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "parent traversal rejected",
			body:     `{"repo": "owner/name", "folder": "../secrets"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "nonexistent folder rejected",
			body:     `{"repo": "owner/name", "folder": "no-such-dir-here"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "valid folder accepted",
			body:     `{"repo": "owner/name", "folder": "` + rel + `"}`,
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(srv.handleStartUpload, "/api/upload", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d. Body: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestAPI_ListJobs(t *testing.T) {
	srv := newTestServer(t)

	insertActive(srv.jobs, &Job{ID: "l1", Kind: JobKindDownload, Repo: "list/test"})

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()
	srv.handleListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if int(resp["count"].(float64)) < 1 {
		t.Error("Expected at least 1 job")
	}
}

func TestAPI_GetJob(t *testing.T) {
	srv := newTestServer(t)
	insertActive(srv.jobs, &Job{ID: "g1", Kind: JobKindDownload, Repo: "get/test"})

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/jobs/g1", nil)
		req.SetPathValue("id", "g1")
		w := httptest.NewRecorder()
		srv.handleGetJob(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var job Job
		json.Unmarshal(w.Body.Bytes(), &job)
		if job.ID != "g1" {
			t.Errorf("Expected job g1, got %s", job.ID)
		}
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/jobs/nope", nil)
		req.SetPathValue("id", "nope")
		w := httptest.NewRecorder()
		srv.handleGetJob(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})
}

func TestAPI_CancelAndDeleteJob(t *testing.T) {
	srv := newTestServer(t)
	insertActive(srv.jobs, &Job{ID: "c1", Kind: JobKindDownload, Repo: "cancel/test"})

	req := httptest.NewRequest("POST", "/api/jobs/c1/cancel", nil)
	req.SetPathValue("id", "c1")
	w := httptest.NewRecorder()
	srv.handleCancelJob(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Cancel expected 200, got %d", w.Code)
	}
	if job, _ := srv.jobs.GetJob("c1"); job.Status != JobStatusCancelled {
		t.Errorf("Expected cancelled, got %s", job.Status)
	}

	// Cancelling again fails; the job is no longer active.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/jobs/c1/cancel", nil)
	req.SetPathValue("id", "c1")
	srv.handleCancelJob(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Second cancel expected 404, got %d", w.Code)
	}

	// Delete removes it entirely.
	req = httptest.NewRequest("DELETE", "/api/jobs/c1", nil)
	req.SetPathValue("id", "c1")
	w = httptest.NewRecorder()
	srv.handleDeleteJob(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Delete expected 200, got %d", w.Code)
	}
	if _, ok := srv.jobs.GetJob("c1"); ok {
		t.Error("Deleted job should be gone")
	}
}

func TestSplitRepoFilters(t *testing.T) {
	tests := []struct {
		in       string
		wantRepo string
		wantN    int
	}{
		{"owner/name", "owner/name", 0},
		{"owner/name:q4_0", "owner/name", 1},
		{"owner/name:q4_0, q5_0", "owner/name", 2},
		{"owner/name:", "owner/name", 0},
	}

	for _, tt := range tests {
		repo, filters := splitRepoFilters(tt.in)
		if repo != tt.wantRepo {
			t.Errorf("%q: expected repo %s, got %s", tt.in, tt.wantRepo, repo)
		}
		if len(filters) != tt.wantN {
			t.Errorf("%q: expected %d filters, got %d", tt.in, tt.wantN, len(filters))
		}
	}
}
