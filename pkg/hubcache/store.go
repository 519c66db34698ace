// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hubcache implements the local content store for files downloaded
// from the hub.
//
// The on-disk layout is one directory per repository scope, one subdirectory
// per revision, and the repository's relative paths below that:
//
//	<root>/models--meta-llama--Llama-2-7b/main/config.json
//	<root>/models--meta-llama--Llama-2-7b/main/model.safetensors
//	<root>/models--meta-llama--Llama-2-7b/main/model.safetensors.sha256
//
// Entries are immutable once promoted: a promotion replaces the whole file
// with an atomic rename, so concurrent readers either see the old bytes or
// the new bytes, never a mix. The store never exposes partially-written
// files; in-flight downloads use ".part" temp files that every scan skips.
package hubcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubsync/hubsync/internal/hashutil"
)

// Sidecar and working-file suffixes within a cache tree. The store owns the
// layout; the transfer layer composes its temp and state paths from these so
// that scans and eviction can reliably tell content from bookkeeping.
const (
	// ChecksumSuffix marks a checksum sidecar: the hex SHA-256 of the
	// adjacent data file, written at promotion time.
	ChecksumSuffix = ".sha256"

	// IncompleteSuffix marks an in-flight download temp file.
	IncompleteSuffix = ".part"

	// StateSuffix marks a resumable-download state sidecar.
	StateSuffix = ".part.json"

	// lockFileName is the per-scope advisory lock file.
	lockFileName = ".lock"
)

// ErrNotCached is returned by Locate when no promoted entry exists for the
// requested (repo, revision, path). It is a recoverable condition, not a
// failure: callers fall through to a download.
var ErrNotCached = errors.New("not cached")

// Entry describes one promoted cache file.
type Entry struct {
	Repo     Repo
	Revision string
	// Path is the file's path within the repository, slash-separated.
	Path string
	// AbsPath is the file's location on disk.
	AbsPath string
	Size    int64
	// AccessedAt is the last time the entry was located or promoted. The
	// store tracks access via mtime (atime is unreliable under relatime
	// mounts); entry bytes are immutable so mtime carries no other meaning.
	AccessedAt time.Time
	// Hash is the hex SHA-256 from the checksum sidecar, empty when the
	// entry was promoted without a known hash.
	Hash string
	// ETag is the source version identifier. For strong (hash-derived)
	// ETags this equals Hash; entries promoted under an opaque ETag leave
	// it empty and are matched by size during planning.
	ETag string
}

// Store is a content store rooted at a single cache directory. It holds no
// global state: all knowledge of the cache comes from on-demand filesystem
// scans, so any number of Stores (and processes) may share one root.
// Structural mutations use atomic rename and unlink, which keeps concurrent
// use correct without locking; see LockScope for the optional advisory lock
// that avoids duplicated work.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache root is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// EntryPath returns the on-disk location an entry for (repo, revision, path)
// occupies, whether or not it exists yet. The transfer layer derives its
// temp-file and sidecar paths from this.
func (s *Store) EntryPath(repo Repo, revision, path string) string {
	return filepath.Join(s.root, repo.CacheDir(), revision, filepath.FromSlash(path))
}

// Locate looks up a promoted entry. It touches only the filesystem, never
// the network. A hit bumps the entry's access time. A miss returns
// ErrNotCached.
func (s *Store) Locate(repo Repo, revision, path string) (Entry, error) {
	abs := s.EntryPath(repo, revision, path)
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, fmt.Errorf("%s@%s:%s: %w", repo.ID(), revision, path, ErrNotCached)
		}
		return Entry{}, err
	}
	if fi.IsDir() {
		return Entry{}, fmt.Errorf("cache entry %s is a directory", abs)
	}

	now := time.Now()
	_ = os.Chtimes(abs, now, now)

	e := Entry{
		Repo:       repo,
		Revision:   revision,
		Path:       path,
		AbsPath:    abs,
		Size:       fi.Size(),
		AccessedAt: now,
	}
	e.Hash = readChecksumSidecar(abs)
	if hashutil.IsHex(e.Hash) {
		e.ETag = e.Hash
	}
	return e, nil
}

// Promote moves a fully-written, validated temp file into the cache as the
// entry for (repo, revision, path) and records its checksum sidecar. The
// move is a single atomic rename: no reader can observe a partial file.
//
// Promotion is idempotent for identical content: if an entry with the same
// hash already exists, the temp file is discarded and the existing entry
// returned. Under concurrent promotion of the same path the last rename
// wins; because content for one (revision, path) is expected identical, the
// loser's bytes are discarded without error.
//
// tmpPath must be on the same filesystem as the store root; the transfer
// layer guarantees this by staging temp files inside the cache tree.
func (s *Store) Promote(tmpPath string, repo Repo, revision, path, hash string) (Entry, error) {
	abs := s.EntryPath(repo, revision, path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create entry directory: %w", err)
	}

	if hash != "" {
		if existing := readChecksumSidecar(abs); existing != "" && hashutil.Equal(existing, hash) {
			if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
				_ = os.Remove(tmpPath)
				now := time.Now()
				_ = os.Chtimes(abs, now, now)
				return Entry{
					Repo: repo, Revision: revision, Path: path,
					AbsPath: abs, Size: fi.Size(), AccessedAt: now,
					Hash: existing, ETag: existing,
				}, nil
			}
		}
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		_ = os.Remove(tmpPath)
		return Entry{}, fmt.Errorf("promote %s: %w", path, err)
	}

	if hash != "" {
		if err := writeChecksumSidecar(abs, hash); err != nil {
			return Entry{}, err
		}
	} else {
		// A stale sidecar from a previous entry must not vouch for the
		// new bytes.
		_ = os.Remove(abs + ChecksumSuffix)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Repo:       repo,
		Revision:   revision,
		Path:       path,
		AbsPath:    abs,
		Size:       fi.Size(),
		AccessedAt: fi.ModTime(),
		Hash:       hash,
	}
	if hashutil.IsHex(hash) {
		e.ETag = hash
	}
	return e, nil
}

// ClearScope removes every cached revision of one repository, including
// sidecars and any in-flight temp files under its directory.
func (s *Store) ClearScope(repo Repo) error {
	return os.RemoveAll(filepath.Join(s.root, repo.CacheDir()))
}

// Entries scans the cache tree and returns every promoted entry. Sidecars,
// in-flight temp files, lock files, and directories that do not follow the
// scope layout are skipped.
func (s *Store) Entries() ([]Entry, error) {
	var entries []Entry

	scopes, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	for _, scope := range scopes {
		if !scope.IsDir() {
			continue
		}
		repo, ok := parseCacheDir(scope.Name())
		if !ok {
			continue
		}
		scopeRoot := filepath.Join(s.root, scope.Name())

		revisions, err := os.ReadDir(scopeRoot)
		if err != nil {
			return nil, err
		}
		for _, rev := range revisions {
			if !rev.IsDir() {
				continue
			}
			revRoot := filepath.Join(scopeRoot, rev.Name())
			err := filepath.WalkDir(revRoot, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					// Entries can vanish mid-scan (concurrent
					// eviction); skip rather than abort.
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if d.IsDir() || !isContentFile(d.Name()) {
					return nil
				}
				fi, err := d.Info()
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				rel, err := filepath.Rel(revRoot, p)
				if err != nil {
					return err
				}
				e := Entry{
					Repo:       repo,
					Revision:   rev.Name(),
					Path:       filepath.ToSlash(rel),
					AbsPath:    p,
					Size:       fi.Size(),
					AccessedAt: fi.ModTime(),
				}
				e.Hash = readChecksumSidecar(p)
				if hashutil.IsHex(e.Hash) {
					e.ETag = e.Hash
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// isContentFile reports whether a file name within a revision tree is a
// promoted content file rather than store bookkeeping. Dotfiles are content
// (repos legitimately ship .gitattributes); only the store's own suffixes
// and lock files are excluded.
func isContentFile(name string) bool {
	if name == lockFileName {
		return false
	}
	if strings.HasSuffix(name, ChecksumSuffix) ||
		strings.HasSuffix(name, ChecksumSuffix+".tmp") ||
		strings.HasSuffix(name, IncompleteSuffix) ||
		strings.HasSuffix(name, StateSuffix) ||
		strings.HasSuffix(name, StateSuffix+".tmp") {
		return false
	}
	return true
}

// readChecksumSidecar returns the hex digest recorded next to a data file,
// or "" when there is no readable sidecar.
func readChecksumSidecar(dataPath string) string {
	b, err := os.ReadFile(dataPath + ChecksumSuffix)
	if err != nil {
		return ""
	}
	sum := strings.TrimSpace(string(b))
	if !hashutil.IsHex(sum) {
		return ""
	}
	return strings.ToLower(sum)
}

// writeChecksumSidecar records the hex digest for a data file. The sidecar
// is written to a temp name and renamed so a crash never leaves a truncated
// digest vouching for the data.
func writeChecksumSidecar(dataPath, hash string) error {
	sidecar := dataPath + ChecksumSuffix
	tmp := sidecar + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.ToLower(hash)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write checksum sidecar: %w", err)
	}
	if err := os.Rename(tmp, sidecar); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write checksum sidecar: %w", err)
	}
	return nil
}
