// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Result describes one extraction attempt. When Format is
// FormatUnknown nothing was extracted and the remaining fields are
// zero; the file is not an archive.
type Result struct {
	// Format is the detected archive format.
	Format Format

	// Archive is the path of the source archive.
	Archive string

	// Dir is the directory holding the extracted tree.
	Dir string

	// Files lists extracted regular files relative to Dir, sorted.
	Files []string

	// TotalBytes is the uncompressed size of all extracted files.
	TotalBytes int64

	// Reused is true when Dir already held a previous extraction and
	// the archive was not unpacked again.
	Reused bool
}

// Extract unpacks archivePath into targetDir. The format is taken
// from the filename suffix; unknown suffixes return a Result with
// FormatUnknown and no error.
//
// Extraction is idempotent: a non-empty targetDir is taken to be a
// completed previous extraction and is inventoried instead of
// unpacked again. A fresh extraction is staged in a temporary sibling
// and moved into place with a single rename, so a crash never leaves
// a half-written tree at targetDir. Entries that would escape
// targetDir fail the extraction; symlinks and other special entries
// are skipped.
func Extract(ctx context.Context, archivePath, targetDir string) (*Result, error) {
	res := &Result{Format: Detect(archivePath), Archive: archivePath}
	if !res.Format.IsArchive() {
		return res, nil
	}
	res.Dir = targetDir

	reused, err := inventoryExisting(res, targetDir)
	if err != nil {
		return nil, err
	}
	if reused {
		return res, nil
	}

	staging := targetDir + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	switch res.Format {
	case FormatZip:
		err = extractZip(ctx, archivePath, staging, res)
	case FormatTar, FormatTarGzip, FormatTarXz, FormatTarZstd:
		err = extractTar(ctx, res.Format, archivePath, staging, res)
	case FormatGzip, FormatZstd:
		err = extractSingle(res.Format, archivePath, staging, res)
	}
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	sort.Strings(res.Files)

	if err := os.Rename(staging, targetDir); err != nil {
		// A concurrent extraction may have claimed targetDir between
		// the inventory and the rename; its tree wins.
		if _, statErr := os.Stat(targetDir); statErr == nil {
			os.RemoveAll(staging)
			res.Reused = true
			return res, nil
		}
		os.RemoveAll(staging)
		return nil, fmt.Errorf("move extracted tree into place: %w", err)
	}
	return res, nil
}

// inventoryExisting fills res from an existing non-empty target
// directory. An empty directory is removed so the staged rename can
// land.
func inventoryExisting(res *Result, dir string) (bool, error) {
	listing, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect target directory: %w", err)
	}
	if len(listing) == 0 {
		if err := os.Remove(dir); err != nil {
			return false, fmt.Errorf("remove empty target directory: %w", err)
		}
		return false, nil
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		res.Files = append(res.Files, filepath.ToSlash(rel))
		res.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("inventory previous extraction: %w", err)
	}
	sort.Strings(res.Files)
	res.Reused = true
	return true, nil
}

func extractZip(ctx context.Context, src, dir string, res *Result) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			path, err := safeJoin(dir, entry.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("create directory entry: %w", err)
			}
			continue
		}
		if !entry.FileInfo().Mode().IsRegular() {
			continue
		}
		path, err := safeJoin(dir, entry.Name)
		if err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
		}
		n, err := writeEntry(path, rc, entry.FileInfo().Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
		recordFile(res, dir, path, n)
	}
	return nil
}

func extractTar(ctx context.Context, format Format, src, dir string, res *Result) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var stream io.Reader = f
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
		stream = xr
	case FormatTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		stream = zr
	}

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			path, err := safeJoin(dir, header.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("create directory entry: %w", err)
			}
		case tar.TypeReg:
			path, err := safeJoin(dir, header.Name)
			if err != nil {
				return err
			}
			n, err := writeEntry(path, tr, header.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			recordFile(res, dir, path, n)
		default:
			// Symlinks, hard links and device nodes are not
			// materialized from untrusted archives.
		}
	}
	return nil
}

// extractSingle decompresses a bare .gz or .zst file into dir, named
// after the archive minus its compression suffix.
func extractSingle(format Format, src, dir string, res *Result) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var stream io.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		stream = zr
	default:
		return fmt.Errorf("format %s is not single-file compression", format)
	}

	path := filepath.Join(dir, singleName(src))
	n, err := writeEntry(path, stream, 0o644)
	if err != nil {
		return err
	}
	recordFile(res, dir, path, n)
	return nil
}

// singleName derives the decompressed filename: the archive's base
// name with the compression suffix stripped.
func singleName(src string) string {
	_, suffix := detect(src)
	name := filepath.Base(src[: len(src)-len(suffix)])
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "content"
	}
	return name
}

// safeJoin joins an archive entry name onto root, rejecting entries
// that would land outside it.
func safeJoin(root, name string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes target directory: %q", name)
	}
	return joined, nil
}

func writeEntry(path string, src io.Reader, perm os.FileMode) (int64, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create extracted file: %w", err)
	}
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

func recordFile(res *Result, dir, path string, size int64) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	res.Files = append(res.Files, filepath.ToSlash(rel))
	res.TotalBytes += size
}
