// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubcache

import (
	"fmt"
	"strings"
)

// Kind identifies the namespace a repository lives in on the hub.
type Kind string

const (
	// KindModel is a model repository.
	KindModel Kind = "model"
	// KindDataset is a dataset repository.
	KindDataset Kind = "dataset"
)

// Valid reports whether k is a known repository kind.
func (k Kind) Valid() bool {
	return k == KindModel || k == KindDataset
}

// Repo identifies one repository on the hub. It is the owner scope of every
// cache entry: all files cached for a repository live under a single
// directory derived from it.
type Repo struct {
	Kind  Kind
	Owner string
	Name  string
}

// ParseRepo parses an "owner/name" repository ID into a Repo of the given
// kind.
func ParseRepo(id string, kind Kind) (Repo, error) {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("invalid repo id %q (expected owner/name)", id)
	}
	if !kind.Valid() {
		return Repo{}, fmt.Errorf("invalid repo kind %q", kind)
	}
	return Repo{Kind: kind, Owner: parts[0], Name: parts[1]}, nil
}

// ID returns the repository in "owner/name" form.
func (r Repo) ID() string {
	return r.Owner + "/" + r.Name
}

// CacheDir returns the directory name for this repository within a cache
// root: "<kind>s--<owner>--<name>", e.g. "models--meta-llama--Llama-2-7b".
func (r Repo) CacheDir() string {
	return fmt.Sprintf("%ss--%s--%s", r.Kind, r.Owner, r.Name)
}

func (r Repo) String() string {
	if r.Kind == KindDataset {
		return "dataset " + r.ID()
	}
	return r.ID()
}

// parseCacheDir is the inverse of CacheDir. It returns ok=false for
// directory names that do not follow the scope layout (these are skipped by
// cache scans rather than treated as errors). Repo names may themselves
// contain "--"; owner names may not, so splitting at the first two
// separators is unambiguous.
func parseCacheDir(dir string) (Repo, bool) {
	parts := strings.SplitN(dir, "--", 3)
	if len(parts) != 3 {
		return Repo{}, false
	}
	var kind Kind
	switch parts[0] {
	case "models":
		kind = KindModel
	case "datasets":
		kind = KindDataset
	default:
		return Repo{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return Repo{}, false
	}
	return Repo{Kind: kind, Owner: parts[1], Name: parts[2]}, true
}
