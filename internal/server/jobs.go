// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hubsync/hubsync/pkg/hubsync"
)

// JobKind distinguishes transfer directions.
type JobKind string

const (
	JobKindDownload JobKind = "download"
	JobKindUpload   JobKind = "upload"
)

// JobStatus represents the state of a transfer job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents one transfer job.
type Job struct {
	ID        string            `json:"id"`
	Kind      JobKind           `json:"kind"`
	Repo      string            `json:"repo"`
	Revision  string            `json:"revision,omitempty"`
	IsDataset bool              `json:"isDataset,omitempty"`
	Filters   []string          `json:"filters,omitempty"`
	Excludes  []string          `json:"excludes,omitempty"`
	Extract   bool              `json:"extract,omitempty"`
	Folder    string            `json:"folder,omitempty"` // upload source, server-local
	Status    JobStatus         `json:"status"`
	Progress  JobProgress       `json:"progress"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
	Files     []JobFileProgress `json:"files,omitempty"`

	cancel context.CancelFunc
}

// JobProgress holds aggregate progress info.
type JobProgress struct {
	TotalFiles     int   `json:"totalFiles"`
	CompletedFiles int   `json:"completedFiles"`
	SkippedFiles   int   `json:"skippedFiles"`
	FailedFiles    int   `json:"failedFiles"`
	TotalBytes     int64 `json:"totalBytes"`
	MovedBytes     int64 `json:"movedBytes"`
}

// JobFileProgress holds per-file progress.
type JobFileProgress struct {
	Path       string `json:"path"`
	Oid        string `json:"oid,omitempty"`
	TotalBytes int64  `json:"totalBytes"`
	Moved      int64  `json:"moved"`
	Status     string `json:"status"` // pending, active, complete, skipped, failed
}

// clone returns a copy safe to marshal outside the manager lock.
// Callers must hold the manager's mu.
func (j *Job) clone() *Job {
	c := *j
	c.cancel = nil
	c.Files = append([]JobFileProgress(nil), j.Files...)
	return &c
}

// fileByPath returns the progress row for path, or nil. Callers must
// hold the manager's mu.
func (j *Job) fileByPath(path string) *JobFileProgress {
	for i := range j.Files {
		if j.Files[i].Path == path {
			return &j.Files[i]
		}
	}
	return nil
}

// recalcMoved recomputes the aggregate byte counter from the per-file
// rows. Callers must hold the manager's mu.
func (j *Job) recalcMoved() {
	var total int64
	for _, f := range j.Files {
		total += f.Moved
	}
	j.Progress.MovedBytes = total
}

// JobManager owns all transfer jobs and their shared configuration.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	config     Config
	listeners  []chan *Job
	listenerMu sync.RWMutex
	wsHub      *WSHub
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg Config, wsHub *WSHub) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		config: cfg,
		wsHub:  wsHub,
	}
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Config returns a copy of the manager's current configuration.
func (m *JobManager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig applies fn to the configuration under the manager lock
// and returns the result. Jobs started after the update use the new
// values; running jobs keep the settings they started with.
func (m *JobManager) UpdateConfig(fn func(*Config)) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.config)
	return m.config
}

// CreateDownload creates a new download job. If the same repo, revision
// and kind is already queued or running, that job is returned instead.
func (m *JobManager) CreateDownload(req DownloadRequest) (*Job, bool, error) {
	revision := req.Revision
	if revision == "" {
		revision = "main"
	}

	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.Kind == JobKindDownload &&
			existing.Repo == req.Repo &&
			existing.Revision == revision &&
			existing.IsDataset == req.Dataset &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			snap := existing.clone()
			m.mu.Unlock()
			return snap, true, nil
		}
	}

	job := &Job{
		ID:        generateID(),
		Kind:      JobKindDownload,
		Repo:      req.Repo,
		Revision:  revision,
		IsDataset: req.Dataset,
		Filters:   req.Filters,
		Excludes:  req.Excludes,
		Extract:   req.Extract,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	snap := job.clone()
	m.mu.Unlock()

	go m.runJob(job)

	return snap, false, nil
}

// CreateUpload creates a new upload job publishing folder to repo. If
// the same repo and folder is already queued or running, that job is
// returned instead. The folder must exist on the server's filesystem.
func (m *JobManager) CreateUpload(req UploadRequest) (*Job, bool, error) {
	info, err := os.Stat(req.Folder)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("%s is not a directory", req.Folder)
	}

	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.Kind == JobKindUpload &&
			existing.Repo == req.Repo &&
			existing.Folder == req.Folder &&
			existing.IsDataset == req.Dataset &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			snap := existing.clone()
			m.mu.Unlock()
			return snap, true, nil
		}
	}

	job := &Job{
		ID:        generateID(),
		Kind:      JobKindUpload,
		Repo:      req.Repo,
		IsDataset: req.Dataset,
		Folder:    req.Folder,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	snap := job.clone()
	m.mu.Unlock()

	go m.runJob(job)

	return snap, false, nil
}

// GetJob retrieves a copy of a job by ID.
func (m *JobManager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.clone())
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// CancelJob cancels a running or queued job.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || (job.Status != JobStatusQueued && job.Status != JobStatusRunning) {
		m.mu.Unlock()
		return false
	}

	if job.cancel != nil {
		job.cancel()
	}
	job.Status = JobStatusCancelled
	now := time.Now()
	job.EndedAt = &now
	snap := job.clone()
	m.mu.Unlock()

	m.notifyListeners(snap)
	return true
}

// DeleteJob removes a job from the list, cancelling it first if it is
// still active.
func (m *JobManager) DeleteJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}
	if job.cancel != nil && (job.Status == JobStatusQueued || job.Status == JobStatusRunning) {
		job.cancel()
	}
	delete(m.jobs, id)
	return true
}

// Subscribe adds a listener for job updates. Each update is a private
// copy; listeners may read it freely.
func (m *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan *Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyListeners fans a job snapshot out to channel listeners and the
// WebSocket hub. The job must already be a clone; the manager lock must
// not be held.
func (m *JobManager) notifyListeners(job *Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

// runJob executes the transfer.
func (m *JobManager) runJob(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	if job.Status == JobStatusCancelled {
		// Cancelled before we got here; nothing to do.
		m.mu.Unlock()
		return
	}
	job.cancel = cancel
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	cfg := m.config
	snap := job.clone()
	m.mu.Unlock()
	m.notifyListeners(snap)

	hJob := hubsync.Job{
		Repo:      job.Repo,
		Revision:  job.Revision,
		IsDataset: job.IsDataset,
		Filters:   job.Filters,
		Excludes:  job.Excludes,
		Extract:   job.Extract,
	}
	settings := hubsync.Settings{
		CacheDir:           cfg.CacheDir,
		Endpoint:           cfg.Endpoint,
		Token:              cfg.Token,
		MaxActiveDownloads: cfg.MaxActive,
		UploadConcurrency:  cfg.UploadConcurrency,
	}

	progress := func(evt hubsync.ProgressEvent) {
		m.mu.Lock()

		switch evt.Event {
		case "plan_item":
			job.Progress.TotalFiles++
			job.Progress.TotalBytes += evt.Total
			job.Files = append(job.Files, JobFileProgress{
				Path:       evt.Path,
				Oid:        evt.Oid,
				TotalBytes: evt.Total,
				Status:     "pending",
			})

		case "file_start", "upload_start":
			if f := job.fileByPath(evt.Path); f != nil {
				f.Status = "active"
			}

		case "file_progress", "upload_progress":
			if f := job.fileByPath(evt.Path); f != nil {
				f.Moved = evt.Downloaded
			}
			job.recalcMoved()

		case "file_done", "upload_done":
			if f := job.fileByPath(evt.Path); f != nil {
				if strings.HasPrefix(evt.Message, "skip") {
					f.Status = "skipped"
					job.Progress.SkippedFiles++
				} else {
					f.Status = "complete"
					f.Moved = f.TotalBytes
				}
				job.Progress.CompletedFiles++
			}
			job.recalcMoved()

		case "error":
			if f := job.fileByPath(evt.Path); f != nil {
				f.Status = "failed"
				job.Progress.FailedFiles++
			}
		}

		snap := job.clone()
		m.mu.Unlock() // unlock before notifying so listeners never block the engine
		m.notifyListeners(snap)
	}

	var err error
	switch job.Kind {
	case JobKindUpload:
		_, err = hubsync.UploadFolder(ctx, hJob, job.Folder, settings, progress)
	default:
		_, err = hubsync.Snapshot(ctx, hJob, settings, progress)
	}

	m.mu.Lock()
	endTime := time.Now()
	job.EndedAt = &endTime
	if ctx.Err() != nil {
		job.Status = JobStatusCancelled
	} else if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusCompleted
	}
	snap = job.clone()
	m.mu.Unlock()

	m.notifyListeners(snap)
}
