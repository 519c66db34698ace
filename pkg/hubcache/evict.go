// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubcache

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RetentionPolicy bounds the cache. Zero values mean unlimited; a policy of
// all zeros evicts nothing. The policy carries no state beyond its
// thresholds.
type RetentionPolicy struct {
	// MaxTotalSize is the target total size of all entries in bytes.
	MaxTotalSize int64
	// MaxAge removes any entry whose last access is older than this.
	MaxAge time.Duration
}

// Evict brings the store within policy in a single pass and returns the
// removed entries. Two removal sets are computed from one scan, then
// unioned and deduplicated before anything is deleted:
//
//   - age: every entry whose last access is older than MaxAge;
//   - size: least-recently-accessed entries until the remaining total is at
//     or below MaxTotalSize, ties broken by oldest access first and then by
//     largest size first.
//
// Checksum sidecars are removed with their data files, and directories left
// empty by the pass are pruned.
func (s *Store) Evict(policy RetentionPolicy) ([]Entry, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	victims := selectVictims(entries, policy, time.Now())
	if len(victims) == 0 {
		return nil, nil
	}

	for _, e := range victims {
		if err := os.Remove(e.AbsPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.Remove(e.AbsPath + ChecksumSuffix); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := s.pruneEmptyDirs(); err != nil {
		return nil, err
	}
	return victims, nil
}

// selectVictims computes the union of the age-based and size-based removal
// sets. It never mutates the filesystem.
func selectVictims(entries []Entry, policy RetentionPolicy, now time.Time) []Entry {
	victims := make([]Entry, 0)
	chosen := make(map[string]bool)

	if policy.MaxAge > 0 {
		cutoff := now.Add(-policy.MaxAge)
		for _, e := range entries {
			if e.AccessedAt.Before(cutoff) {
				victims = append(victims, e)
				chosen[e.AbsPath] = true
			}
		}
	}

	if policy.MaxTotalSize > 0 {
		var total int64
		for _, e := range entries {
			total += e.Size
		}
		// LRU order: oldest access first; larger entries first among
		// equals so fewer removals reach the target.
		byAge := make([]Entry, len(entries))
		copy(byAge, entries)
		sort.SliceStable(byAge, func(i, j int) bool {
			if !byAge[i].AccessedAt.Equal(byAge[j].AccessedAt) {
				return byAge[i].AccessedAt.Before(byAge[j].AccessedAt)
			}
			return byAge[i].Size > byAge[j].Size
		})
		for _, e := range byAge {
			if total <= policy.MaxTotalSize {
				break
			}
			total -= e.Size
			if !chosen[e.AbsPath] {
				victims = append(victims, e)
				chosen[e.AbsPath] = true
			}
		}
	}

	return victims
}

// pruneEmptyDirs removes revision and scope directories emptied by an
// eviction pass. The cache root itself is preserved.
func (s *Store) pruneEmptyDirs() error {
	scopes, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if !scope.IsDir() {
			continue
		}
		if _, ok := parseCacheDir(scope.Name()); !ok {
			continue
		}
		scopeRoot := filepath.Join(s.root, scope.Name())
		revisions, err := os.ReadDir(scopeRoot)
		if err != nil {
			return err
		}
		for _, rev := range revisions {
			if rev.IsDir() {
				pruneEmptyTree(filepath.Join(scopeRoot, rev.Name()))
			}
		}
		// Remove the scope dir when only the lock file remains.
		rest, err := os.ReadDir(scopeRoot)
		if err != nil {
			continue
		}
		if len(rest) == 0 {
			_ = os.Remove(scopeRoot)
		} else if len(rest) == 1 && rest[0].Name() == lockFileName {
			_ = os.Remove(filepath.Join(scopeRoot, lockFileName))
			_ = os.Remove(scopeRoot)
		}
	}
	return nil
}

// pruneEmptyTree removes dir if it contains nothing but (recursively) empty
// directories. Returns true when dir was removed.
func pruneEmptyTree(dir string) bool {
	children, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	empty := true
	for _, c := range children {
		if c.IsDir() && pruneEmptyTree(filepath.Join(dir, c.Name())) {
			continue
		}
		empty = false
	}
	if !empty {
		return false
	}
	return os.Remove(dir) == nil
}
