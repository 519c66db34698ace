// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package archive detects and extracts the archive formats hub
// repositories commonly ship: zip, tar (plain or compressed with gzip,
// xz or zstd), and single-file gzip/zstd compression.
//
// Detection is by filename suffix only, longest match first, so
// "model.tar.gz" is a compressed tarball rather than a bare gzip
// stream. Unknown suffixes yield FormatUnknown; callers treat such
// files as already-final artifacts rather than failures.
package archive

import (
	"fmt"
	"strings"
)

// Format identifies an archive or compression container. The zero
// value is FormatUnknown.
type Format uint8

const (
	// FormatUnknown means the filename matched no known suffix. Not an
	// error: most repository files are not archives.
	FormatUnknown Format = iota

	// FormatZip is a zip archive (.zip).
	FormatZip

	// FormatTar is an uncompressed tarball (.tar).
	FormatTar

	// FormatTarGzip is a gzip-compressed tarball (.tar.gz, .tgz).
	FormatTarGzip

	// FormatTarXz is an xz-compressed tarball (.tar.xz, .txz).
	FormatTarXz

	// FormatTarZstd is a zstd-compressed tarball (.tar.zst).
	FormatTarZstd

	// FormatGzip is a single gzip-compressed file (.gz).
	FormatGzip

	// FormatZstd is a single zstd-compressed file (.zst).
	FormatZstd
)

// String returns the suffix-style name of the format.
func (f Format) String() string {
	switch f {
	case FormatUnknown:
		return "unknown"
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatTarXz:
		return "tar.xz"
	case FormatTarZstd:
		return "tar.zst"
	case FormatGzip:
		return "gz"
	case FormatZstd:
		return "zst"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// IsArchive reports whether f names a format Extract can unpack.
func (f Format) IsArchive() bool {
	return f != FormatUnknown
}

// detectTable is ordered longest suffix first so compound suffixes win
// over their tails (".tar.gz" before ".gz").
var detectTable = []struct {
	suffix string
	format Format
}{
	{".tar.zst", FormatTarZstd},
	{".tar.gz", FormatTarGzip},
	{".tar.xz", FormatTarXz},
	{".tgz", FormatTarGzip},
	{".txz", FormatTarXz},
	{".tar", FormatTar},
	{".zip", FormatZip},
	{".zst", FormatZstd},
	{".gz", FormatGzip},
}

// Detect returns the format for a filename. Matching is
// case-insensitive and considers only the name's suffix.
func Detect(name string) Format {
	format, _ := detect(name)
	return format
}

// detect returns the format together with the portion of name that
// matched, so callers can strip it.
func detect(name string) (Format, string) {
	lower := strings.ToLower(name)
	for _, entry := range detectTable {
		if strings.HasSuffix(lower, entry.suffix) && len(name) > len(entry.suffix) {
			return entry.format, name[len(name)-len(entry.suffix):]
		}
	}
	return FormatUnknown, ""
}

// TargetDir returns the conventional extraction directory for an
// archive: a sibling of the archive named after its stem plus a short
// prefix of the content digest, so changed content extracts fresh
// while re-extraction of identical content finds the previous tree.
func TargetDir(archivePath, contentDigest string) string {
	_, suffix := detect(archivePath)
	stem := archivePath[:len(archivePath)-len(suffix)]
	short := contentDigest
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		return stem + ".extracted"
	}
	return stem + "-" + short
}
