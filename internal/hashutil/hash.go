// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hashutil provides the content hashing helpers shared by the cache,
// download, and upload layers. All content identity in hubsync is hex-encoded
// SHA-256, matching the hub's large-object protocol.
package hashutil

import (
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
)

// HexLen is the length of a hex-encoded SHA-256 digest.
const HexLen = 64

// SumReader computes the hex SHA-256 of everything readable from r and
// returns it together with the number of bytes consumed.
func SumReader(r io.Reader) (string, int64, error) {
	digester := digest.SHA256.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest().Encoded(), n, nil
}

// SumFile computes the hex SHA-256 of the file at path, returning the
// digest together with the file's length.
func SumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return SumReader(f)
}

// SumBytes computes the hex SHA-256 of b.
func SumBytes(b []byte) string {
	return digest.SHA256.FromBytes(b).Encoded()
}

// IsHex reports whether s is a plausible hex SHA-256 digest: exactly 64
// characters from [0-9a-fA-F]. Strong ETags returned by the hub take this
// form; anything else is treated as opaque.
func IsHex(s string) bool {
	if len(s) != HexLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Short returns the leading n characters of a hex digest, used to key
// derived directories (extraction targets). If the digest is shorter than
// n the whole digest is returned.
func Short(hexDigest string, n int) string {
	if len(hexDigest) <= n {
		return hexDigest
	}
	return hexDigest[:n]
}
