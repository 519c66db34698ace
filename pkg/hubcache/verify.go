// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubcache

import (
	"github.com/hubsync/hubsync/internal/hashutil"
)

// Corruption pairs an entry with the digest mismatch found in it.
type Corruption struct {
	Entry    Entry
	Expected string
	Actual   string
}

// IntegrityReport is the result of a full cache verification.
type IntegrityReport struct {
	// Valid entries matched their checksum sidecar.
	Valid []Entry
	// Corrupted entries did not. They are reported, never deleted: the
	// caller decides whether to evict and re-download.
	Corrupted []Corruption
	// Unchecked entries have no checksum sidecar to verify against.
	Unchecked []Entry
}

// OK reports whether no corruption was found.
func (r IntegrityReport) OK() bool { return len(r.Corrupted) == 0 }

// VerifyAll recomputes the SHA-256 of every entry that has a checksum
// sidecar and classifies each entry as valid, corrupted, or unchecked. The
// pass is read-only; corrupted files are left in place for inspection.
func (s *Store) VerifyAll() (IntegrityReport, error) {
	entries, err := s.Entries()
	if err != nil {
		return IntegrityReport{}, err
	}

	var report IntegrityReport
	for _, e := range entries {
		if e.Hash == "" {
			report.Unchecked = append(report.Unchecked, e)
			continue
		}
		sum, _, err := hashutil.SumFile(e.AbsPath)
		if err != nil {
			return IntegrityReport{}, err
		}
		if hashutil.Equal(sum, e.Hash) {
			report.Valid = append(report.Valid, e)
		} else {
			report.Corrupted = append(report.Corrupted, Corruption{
				Entry:    e,
				Expected: e.Hash,
				Actual:   sum,
			})
		}
	}
	return report, nil
}
