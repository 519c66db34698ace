// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hubsync/hubsync/internal/hashutil"
	"github.com/hubsync/hubsync/internal/hubhttp"
	"github.com/hubsync/hubsync/pkg/hubcache"
)

// fakeRemote is a configurable origin for download tests. It records
// every request and can fail, truncate or ignore ranges on demand.
type fakeRemote struct {
	mu          sync.Mutex
	content     []byte
	etag        string
	requests    []string // "METHOD <range-header>"
	failGETs    int      // respond 503 to this many GETs
	breakAfter  int      // abort the connection after this many body bytes (once)
	ignoreRange bool
}

func (f *fakeRemote) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeRemote) countGETs() int {
	n := 0
	for _, r := range f.recorded() {
		if r[:3] == "GET" {
			n++
		}
	}
	return n
}

func (f *fakeRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.Header.Get("Range"))
		failing := f.failGETs > 0 && r.Method == http.MethodGet
		if failing {
			f.failGETs--
		}
		breakAfter := f.breakAfter
		if breakAfter > 0 && r.Method == http.MethodGet && !failing {
			f.breakAfter = 0
		}
		content := f.content
		etag := f.etag
		ignoreRange := f.ignoreRange
		f.mu.Unlock()

		if etag != "" {
			w.Header().Set("ETag", `"`+etag+`"`)
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		if failing {
			http.Error(w, "upstream hiccup", http.StatusServiceUnavailable)
			return
		}

		start := 0
		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" && !ignoreRange {
			fmt.Sscanf(rng, "bytes=%d-", &start)
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		}
		body := content[start:]
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)

		if breakAfter > 0 && breakAfter < len(body) {
			w.Write(body[:breakAfter])
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		w.Write(body)
	}
}

func newTestStore(t *testing.T) *hubcache.Store {
	t.Helper()
	s, err := hubcache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func testEngine(store *hubcache.Store, onEvent func(Event)) *Engine {
	return New(store, Options{
		Retries:         3,
		CheckpointBytes: 512,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
		OnEvent:         onEvent,
	})
}

func testRequest(url string) Request {
	return Request{
		URL:      url,
		Repo:     hubcache.Repo{Kind: hubcache.KindModel, Owner: "acme", Name: "tiny-gpt"},
		Revision: "main",
		Path:     "weights.bin",
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestFetchPromotesAndValidates(t *testing.T) {
	content := payload(4000)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	var statuses []Status
	eng := testEngine(store, func(ev Event) { statuses = append(statuses, ev.Status) })

	out, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Status != StatusPromoted {
		t.Fatalf("status = %v, want promoted", out.Status)
	}
	if out.BytesMoved != int64(len(content)) {
		t.Errorf("BytesMoved = %d, want %d", out.BytesMoved, len(content))
	}
	if out.Entry.Hash != sum {
		t.Errorf("entry hash = %q, want %q", out.Entry.Hash, sum)
	}

	got, err := os.ReadFile(out.Entry.AbsPath)
	if err != nil {
		t.Fatalf("read promoted file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("promoted content differs from remote content")
	}

	// Sidecars are cleaned up after promotion.
	if _, err := os.Stat(out.Entry.AbsPath + hubcache.IncompleteSuffix); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	if _, err := os.Stat(out.Entry.AbsPath + hubcache.StateSuffix); !os.IsNotExist(err) {
		t.Error("resume sidecar left behind")
	}

	// Planning and the terminal phases must both have been reported.
	seen := map[Status]bool{}
	for _, s := range statuses {
		seen[s] = true
	}
	for _, want := range []Status{StatusPlanning, StatusFetching, StatusValidating, StatusPromoted} {
		if !seen[want] {
			t.Errorf("no %v event emitted", want)
		}
	}
}

func TestFetchCacheHitByHash(t *testing.T) {
	content := []byte("already cached bytes")
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)
	req := testRequest(srv.URL)

	if _, err := eng.Fetch(context.Background(), req); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	// With the expected hash supplied, the hit needs no network at all.
	before := len(remote.recorded())
	req.Hash = sum
	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if out.Status != StatusCacheHit {
		t.Fatalf("status = %v, want cache_hit", out.Status)
	}
	if out.BytesMoved != 0 {
		t.Errorf("BytesMoved = %d on a cache hit", out.BytesMoved)
	}
	if got := len(remote.recorded()); got != before {
		t.Errorf("cache hit made %d network requests", got-before)
	}
}

func TestFetchCacheHitByProbe(t *testing.T) {
	content := payload(1000)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)

	if _, err := eng.Fetch(context.Background(), testRequest(srv.URL)); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	gets := remote.countGETs()

	// No expected hash: the probe's strong ETag matches the cached
	// entry, so only a HEAD goes out.
	out, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if out.Status != StatusCacheHit {
		t.Fatalf("status = %v, want cache_hit", out.Status)
	}
	if remote.countGETs() != gets {
		t.Error("cache hit issued a GET")
	}
}

func TestFetchResumesFromCheckpoint(t *testing.T) {
	content := payload(5000)
	sum := hashutil.SumBytes(content)
	const checkpoint = 1700

	remote := &fakeRemote{content: content, etag: sum}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	req := testRequest(srv.URL)

	// Simulate an interrupted earlier run: a partial temp file with a
	// matching sidecar at the checkpoint watermark.
	finalPath := store.EntryPath(req.Repo, req.Revision, req.Path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(finalPath+hubcache.IncompleteSuffix, content[:checkpoint], 0o644); err != nil {
		t.Fatal(err)
	}
	st := &TransferState{URL: srv.URL, ETag: sum, Size: int64(len(content)), BytesDone: checkpoint, StartedAt: time.Now()}
	if err := st.save(finalPath + hubcache.StateSuffix); err != nil {
		t.Fatal(err)
	}

	eng := testEngine(store, nil)
	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !out.Resumed {
		t.Error("Resumed = false, want true")
	}
	if want := int64(len(content) - checkpoint); out.BytesMoved != want {
		t.Errorf("BytesMoved = %d, want %d (only the remainder)", out.BytesMoved, want)
	}

	wantRange := fmt.Sprintf("GET bytes=%d-", checkpoint)
	var sawRange bool
	for _, r := range remote.recorded() {
		if r == wantRange {
			sawRange = true
		}
	}
	if !sawRange {
		t.Errorf("no request %q in %v", wantRange, remote.recorded())
	}

	got, err := os.ReadFile(out.Entry.AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed content differs from remote content")
	}
	if out.Entry.Hash != sum {
		t.Errorf("entry hash = %q, want %q", out.Entry.Hash, sum)
	}
}

func TestFetchResumeAfterMidStreamFailure(t *testing.T) {
	content := payload(6000)
	sum := hashutil.SumBytes(content)

	// The first GET aborts after 2000 body bytes; the retry must pick
	// up from the recorded watermark rather than byte zero.
	remote := &fakeRemote{content: content, etag: sum, breakAfter: 2000}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)

	out, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Status != StatusPromoted {
		t.Fatalf("status = %v, want promoted", out.Status)
	}

	var resumed bool
	for _, r := range remote.recorded() {
		var off int
		if n, _ := fmt.Sscanf(r, "GET bytes=%d-", &off); n == 1 && off > 0 {
			resumed = true
			if off > 2000 {
				t.Errorf("resume offset %d exceeds bytes the server sent", off)
			}
		}
	}
	if !resumed {
		t.Errorf("no ranged retry observed in %v", remote.recorded())
	}

	got, err := os.ReadFile(out.Entry.AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content corrupted across resume")
	}
}

func TestFetchStaleSidecarRestarts(t *testing.T) {
	content := payload(3000)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	req := testRequest(srv.URL)

	// Sidecar from a different upstream object (old ETag): resume is
	// not authorized and the download restarts from zero.
	finalPath := store.EntryPath(req.Repo, req.Revision, req.Path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(finalPath+hubcache.IncompleteSuffix, []byte("stale partial bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := &TransferState{URL: srv.URL, ETag: "0000000000000000000000000000000000000000000000000000000000000000", BytesDone: 19}
	if err := st.save(finalPath + hubcache.StateSuffix); err != nil {
		t.Fatal(err)
	}

	eng := testEngine(store, nil)
	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Resumed {
		t.Error("Resumed = true for a stale sidecar")
	}
	for _, r := range remote.recorded() {
		if r != "HEAD " && r != "GET " {
			t.Errorf("unexpected ranged request %q after stale sidecar", r)
		}
	}

	got, _ := os.ReadFile(out.Entry.AbsPath)
	if !bytes.Equal(got, content) {
		t.Fatal("restart did not replace stale bytes")
	}
}

func TestFetchServerIgnoresRange(t *testing.T) {
	content := payload(2600)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum, ignoreRange: true}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	req := testRequest(srv.URL)

	finalPath := store.EntryPath(req.Repo, req.Revision, req.Path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(finalPath+hubcache.IncompleteSuffix, content[:900], 0o644); err != nil {
		t.Fatal(err)
	}
	st := &TransferState{URL: srv.URL, ETag: sum, Size: int64(len(content)), BytesDone: 900}
	if err := st.save(finalPath + hubcache.StateSuffix); err != nil {
		t.Fatal(err)
	}

	eng := testEngine(store, nil)
	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	// A 200 in response to a ranged request voids the checkpoint; the
	// result must still be byte-exact.
	got, _ := os.ReadFile(out.Entry.AbsPath)
	if !bytes.Equal(got, content) {
		t.Fatal("content wrong after server ignored the range")
	}
	if out.Entry.Hash != sum {
		t.Errorf("entry hash = %q, want %q", out.Entry.Hash, sum)
	}
}

func TestFetchChecksumMismatchIsTerminal(t *testing.T) {
	content := []byte("the server lies about this content")
	wrong := hashutil.SumBytes([]byte("something else entirely"))
	remote := &fakeRemote{content: content, etag: wrong}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)
	req := testRequest(srv.URL)

	_, err := eng.Fetch(context.Background(), req)
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ChecksumError", err)
	}
	if cerr.Expected != wrong || cerr.Actual != hashutil.SumBytes(content) {
		t.Errorf("ChecksumError = %+v", cerr)
	}

	// Terminal: exactly one GET, no silent retry.
	if gets := remote.countGETs(); gets != 1 {
		t.Errorf("GET count = %d, want 1 (no retry on checksum mismatch)", gets)
	}

	// The poisoned attempt is fully discarded.
	finalPath := store.EntryPath(req.Repo, req.Revision, req.Path)
	if _, statErr := os.Stat(finalPath + hubcache.IncompleteSuffix); !os.IsNotExist(statErr) {
		t.Error("temp file survived a checksum mismatch")
	}
	if _, statErr := os.Stat(finalPath + hubcache.StateSuffix); !os.IsNotExist(statErr) {
		t.Error("resume sidecar survived a checksum mismatch")
	}
	if _, locErr := store.Locate(req.Repo, req.Revision, req.Path); !errors.Is(locErr, hubcache.ErrNotCached) {
		t.Error("unverified content was promoted")
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	content := payload(1200)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum, failGETs: 2}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	var retries int
	eng := testEngine(store, func(ev Event) {
		if ev.Attempt > 0 {
			retries++
		}
	})

	out, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Status != StatusPromoted {
		t.Fatalf("status = %v, want promoted", out.Status)
	}
	if retries == 0 {
		t.Error("no retry events emitted")
	}
	if gets := remote.countGETs(); gets != 3 {
		t.Errorf("GET count = %d, want 3 (two failures, one success)", gets)
	}
}

func TestFetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "auth required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)

	_, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if !errors.Is(err, hubhttp.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}

	var apiErr *hubhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}

func TestFetchOpaqueETagTrusted(t *testing.T) {
	content := payload(800)
	remote := &fakeRemote{content: content, etag: "v2-build-20250811"}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)

	out, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// No strong validator to compare against, but the store still
	// records the locally computed digest.
	if want := hashutil.SumBytes(content); out.Entry.Hash != want {
		t.Errorf("entry hash = %q, want locally computed %q", out.Entry.Hash, want)
	}

	// The follow-up plan matches on size for opaque validators.
	out2, err := eng.Fetch(context.Background(), testRequest(srv.URL))
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if out2.Status != StatusCacheHit {
		t.Errorf("status = %v, want cache_hit via size match", out2.Status)
	}
}

func TestFetchFollowsRedirect(t *testing.T) {
	content := payload(1500)
	sum := hashutil.SumBytes(content)
	remote := &fakeRemote{content: content, etag: sum}
	origin := httptest.NewServer(remote.handler())
	defer origin.Close()

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, origin.URL, http.StatusFound)
	}))
	defer front.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)

	out, err := eng.Fetch(context.Background(), testRequest(front.URL))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, _ := os.ReadFile(out.Entry.AbsPath)
	if !bytes.Equal(got, content) {
		t.Fatal("redirected download returned wrong content")
	}
}

func TestFetchExtractsArchive(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	inner := []byte(`{"vocab_size": 100}`)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "config.json", Mode: 0o644, Size: int64(len(inner))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(inner); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	content := buf.Bytes()
	remote := &fakeRemote{content: content, etag: hashutil.SumBytes(content)}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)
	req := testRequest(srv.URL)
	req.Path = "bundle.tar.gz"
	req.Extract = true

	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Extraction == nil {
		t.Fatal("no extraction result")
	}
	if len(out.Extraction.Files) != 1 || out.Extraction.Files[0] != "config.json" {
		t.Fatalf("extracted files = %v", out.Extraction.Files)
	}
	got, err := os.ReadFile(filepath.Join(out.Extraction.Dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, inner) {
		t.Fatal("extracted content differs")
	}

	// The second fetch hits the cache and reuses the extraction.
	out2, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if out2.Status != StatusCacheHit {
		t.Errorf("status = %v, want cache_hit", out2.Status)
	}
	if out2.Extraction == nil || !out2.Extraction.Reused {
		t.Error("extraction not reused on cache hit")
	}
}

func TestFetchNonArchiveExtractRequest(t *testing.T) {
	content := []byte("plain tensor data")
	remote := &fakeRemote{content: content, etag: hashutil.SumBytes(content)}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store := newTestStore(t)
	eng := testEngine(store, nil)
	req := testRequest(srv.URL)
	req.Path = "weights.safetensors"
	req.Extract = true

	out, err := eng.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out.Extraction == nil {
		t.Fatal("no extraction result")
	}
	if out.Extraction.Format.IsArchive() {
		t.Errorf("format = %v for a non-archive", out.Extraction.Format)
	}
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "x.part.json")
	if st := loadState(path); st != nil {
		t.Error("missing sidecar should load as nil")
	}

	os.WriteFile(path, []byte("{not json"), 0o644)
	if st := loadState(path); st != nil {
		t.Error("malformed sidecar should load as nil")
	}

	os.WriteFile(path, []byte(`{"url":"","bytes_done":10}`), 0o644)
	if st := loadState(path); st != nil {
		t.Error("sidecar without URL should load as nil")
	}
}
