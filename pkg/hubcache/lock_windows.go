// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package hubcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/windows"
)

// ScopeLock is an advisory, process-level lock on one repository's cache
// directory. It exists so two processes snapshotting the same repository do
// not both download every file; it is an efficiency measure only. Cache
// correctness never depends on it: promotion is an atomic rename either way.
type ScopeLock struct {
	file   *os.File
	locked bool
}

// LockScope acquires the lock for repo's scope directory via LockFileEx,
// creating the directory and lock file as needed. It polls with backoff
// until the lock is held or timeout expires.
func (s *Store) LockScope(repo Repo, timeout time.Duration) (*ScopeLock, error) {
	dir := filepath.Join(s.root, repo.CacheDir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scope directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open scope lock: %w", err)
	}

	deadline := time.Now().Add(timeout)
	sleep := 10 * time.Millisecond
	for {
		err := windows.LockFileEx(
			windows.Handle(f.Fd()),
			windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
			0,
			1, 0,
			&windows.Overlapped{},
		)
		if err == nil {
			return &ScopeLock{file: f, locked: true}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("scope lock for %s: timeout after %v", repo.ID(), timeout)
		}
		time.Sleep(sleep)
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

// Unlock releases the lock. Safe to call more than once.
func (l *ScopeLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	var err error
	if l.locked {
		err = windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, &windows.Overlapped{})
		l.locked = false
	}
	l.file.Close()
	l.file = nil
	return err
}
