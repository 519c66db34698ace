// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package lfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubsync/hubsync/internal/hashutil"
)

// fakeLFS implements enough of the batch protocol to exercise the
// pipeline: negotiation, single and multipart storage PUTs,
// completion and verification.
type fakeLFS struct {
	t  *testing.T
	mu sync.Mutex

	base      string
	present   map[string]bool // OIDs the server already stores
	fail      map[string]bool // storage requests for these OIDs 500
	reject    map[string]string
	chunkSize int64 // >0 selects multipart for objects above it

	batches     []batchRequest
	stored      map[string][]byte
	parts       map[string]map[int][]byte
	partETags   map[string]map[int]string
	completions map[string]completionRequest
	verified    map[string]int64
	putCount    map[string]int
}

func newFakeLFS(t *testing.T) (*fakeLFS, *Pipeline) {
	t.Helper()
	f := &fakeLFS{
		t:           t,
		present:     map[string]bool{},
		fail:        map[string]bool{},
		reject:      map[string]string{},
		stored:      map[string][]byte{},
		parts:       map[string]map[int][]byte{},
		partETags:   map[string]map[int]string{},
		completions: map[string]completionRequest{},
		verified:    map[string]int64{},
		putCount:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /objects/batch", f.handleBatch)
	mux.HandleFunc("PUT /store/{oid}", f.handleStore)
	mux.HandleFunc("POST /store/{oid}", f.handleComplete)
	mux.HandleFunc("PUT /part/{oid}/{num}", f.handlePart)
	mux.HandleFunc("POST /verify/{oid}", f.handleVerify)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.base = srv.URL

	pipe := New(srv.URL+"/objects/batch", Options{
		Token:          "test-token",
		Concurrency:    3,
		Retries:        -1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	return f, pipe
}

func (f *fakeLFS) handleBatch(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		f.t.Errorf("batch Authorization = %q", got)
	}
	if got := r.Header.Get("Content-Type"); got != mediaType {
		f.t.Errorf("batch Content-Type = %q", got)
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.batches = append(f.batches, req)
	f.mu.Unlock()

	resp := batchResponse{Transfer: "basic"}
	for _, obj := range req.Objects {
		item := batchItem{Oid: obj.Oid, Size: obj.Size}
		switch {
		case f.reject[obj.Oid] != "":
			item.Error = &batchItemError{Code: 422, Message: f.reject[obj.Oid]}
		case f.present[obj.Oid]:
			// No actions: content already stored.
		default:
			upload := batchAction{
				Href:   f.base + "/store/" + obj.Oid,
				Header: map[string]string{"x-storage-check": "granted"},
			}
			if f.chunkSize > 0 && obj.Size > f.chunkSize {
				upload.Header[chunkSizeKey] = fmt.Sprint(f.chunkSize)
				numParts := int((obj.Size + f.chunkSize - 1) / f.chunkSize)
				for n := 1; n <= numParts; n++ {
					upload.Header[fmt.Sprintf("%05d", n)] = fmt.Sprintf("%s/part/%s/%d", f.base, obj.Oid, n)
				}
			}
			item.Actions = map[string]batchAction{
				actionUpload: upload,
				actionVerify: {Href: f.base + "/verify/" + obj.Oid},
			}
		}
		resp.Objects = append(resp.Objects, item)
	}

	w.Header().Set("Content-Type", mediaType)
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeLFS) handleStore(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")
	if got := r.Header.Get("Authorization"); got != "" {
		f.t.Errorf("storage PUT carried Authorization %q", got)
	}
	if got := r.Header.Get("x-storage-check"); got != "granted" {
		f.t.Errorf("storage PUT missing action header, got %q", got)
	}

	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCount[oid]++
	if f.fail[oid] {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	f.stored[oid] = body
	w.Header().Set("ETag", `"single-`+hashutil.Short(oid, 6)+`"`)
}

func (f *fakeLFS) handlePart(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")
	var num int
	fmt.Sscan(r.PathValue("num"), &num)

	if got := r.Header.Get("Authorization"); got != "" {
		f.t.Errorf("part PUT carried Authorization %q", got)
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCount[oid]++
	if f.fail[oid] {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if f.parts[oid] == nil {
		f.parts[oid] = map[int][]byte{}
		f.partETags[oid] = map[int]string{}
	}
	etag := fmt.Sprintf(`"part-%d-%s"`, num, hashutil.Short(oid, 6))
	f.parts[oid][num] = body
	f.partETags[oid][num] = etag
	w.Header().Set("ETag", etag)
}

func (f *fakeLFS) handleComplete(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[oid] = req

	// Parts must arrive strictly ascending with the ETags we issued.
	for i, part := range req.Parts {
		if part.PartNumber != i+1 {
			http.Error(w, fmt.Sprintf("part %d out of order", part.PartNumber), http.StatusBadRequest)
			return
		}
		if want := f.partETags[oid][part.PartNumber]; part.Etag != want {
			http.Error(w, fmt.Sprintf("part %d etag %q != %q", part.PartNumber, part.Etag, want), http.StatusBadRequest)
			return
		}
	}

	var assembled []byte
	nums := make([]int, 0, len(f.parts[oid]))
	for n := range f.parts[oid] {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		assembled = append(assembled, f.parts[oid][n]...)
	}
	f.stored[oid] = assembled
}

func (f *fakeLFS) handleVerify(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		f.t.Errorf("verify Authorization = %q", got)
	}
	var body batchObject
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if got, ok := f.stored[body.Oid]; !ok || int64(len(got)) != body.Size {
		http.Error(w, "object not stored", http.StatusNotFound)
		return
	}
	f.verified[body.Oid] = body.Size
}

func writeObject(t *testing.T, content []byte) Object {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	obj, err := FromFile(path)
	require.NoError(t, err)
	return obj
}

func lfsPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 239)
	}
	return b
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	obj, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", obj.Oid)
	assert.Equal(t, int64(11), obj.Size)
	assert.Equal(t, path, obj.Path)
}

func TestOid(t *testing.T) {
	oid, size, err := Oid(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", oid)
	assert.Equal(t, int64(11), size)
}

func TestUploadSinglePart(t *testing.T) {
	f, pipe := newFakeLFS(t)
	content := []byte("small enough for one PUT")
	obj := writeObject(t, content)

	outcomes, err := pipe.Upload(context.Background(), []Object{obj})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, SinglePart, outcomes[0].Mode)
	assert.Equal(t, 1, outcomes[0].Parts)
	assert.False(t, outcomes[0].Skipped)

	assert.Equal(t, content, f.stored[obj.Oid])
	assert.Equal(t, obj.Size, f.verified[obj.Oid])

	require.Len(t, f.batches, 1)
	batch := f.batches[0]
	assert.Equal(t, "upload", batch.Operation)
	assert.Equal(t, []string{"basic", "multipart"}, batch.Transfers)
	assert.Equal(t, "sha256", batch.HashAlgo)
	require.Len(t, batch.Objects, 1)
	assert.Equal(t, batchObject{Oid: obj.Oid, Size: obj.Size}, batch.Objects[0])
}

func TestUploadSkipsPresentContent(t *testing.T) {
	f, pipe := newFakeLFS(t)
	obj := writeObject(t, []byte("deduplicated content"))
	f.present[obj.Oid] = true

	outcomes, err := pipe.Upload(context.Background(), []Object{obj})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Skipped)
	assert.NoError(t, outcomes[0].Err)
	assert.Zero(t, f.putCount[obj.Oid], "present content must not re-upload")
}

func TestUploadMultipart(t *testing.T) {
	f, pipe := newFakeLFS(t)
	f.chunkSize = 3000

	content := lfsPayload(10_000)
	obj := writeObject(t, content)

	outcomes, err := pipe.Upload(context.Background(), []Object{obj})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, Multipart, outcomes[0].Mode)
	assert.Equal(t, 4, outcomes[0].Parts)

	assert.Equal(t, content, f.stored[obj.Oid], "assembled parts must equal the source")

	completion := f.completions[obj.Oid]
	assert.Equal(t, obj.Oid, completion.Oid)
	require.Len(t, completion.Parts, 4)
	for i, part := range completion.Parts {
		assert.Equal(t, i+1, part.PartNumber, "completion parts ascending")
	}

	// Chunk boundaries: three full parts and one remainder.
	assert.Len(t, f.parts[obj.Oid][1], 3000)
	assert.Len(t, f.parts[obj.Oid][4], 1000)

	assert.Equal(t, obj.Size, f.verified[obj.Oid])
}

func TestUploadFailureIsolation(t *testing.T) {
	f, pipe := newFakeLFS(t)

	okA := writeObject(t, []byte("first object, fine"))
	bad := writeObject(t, []byte("second object, storage broken"))
	okB := writeObject(t, []byte("third object, also fine"))
	f.fail[bad.Oid] = true

	outcomes, err := pipe.Upload(context.Background(), []Object{okA, bad, okB})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Failed)
	assert.Equal(t, 3, batchErr.Total)

	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)

	// The healthy siblings completed despite the failure.
	assert.Equal(t, []byte("first object, fine"), f.stored[okA.Oid])
	assert.Equal(t, []byte("third object, also fine"), f.stored[okB.Oid])
}

func TestUploadDeduplicatesIdenticalContent(t *testing.T) {
	f, pipe := newFakeLFS(t)

	content := []byte("same bytes in two places")
	first := writeObject(t, content)
	second := writeObject(t, content)
	require.Equal(t, first.Oid, second.Oid)

	outcomes, err := pipe.Upload(context.Background(), []Object{first, second})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Skipped)
	assert.True(t, outcomes[1].Skipped, "identical content moves once")
	assert.Equal(t, 1, f.putCount[first.Oid])
}

func TestUploadServerRejectsObject(t *testing.T) {
	f, pipe := newFakeLFS(t)
	obj := writeObject(t, []byte("oversized or forbidden"))
	f.reject[obj.Oid] = "object exceeds size policy"

	outcomes, err := pipe.Upload(context.Background(), []Object{obj})
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Len(t, outcomes, 1)
	assert.ErrorContains(t, outcomes[0].Err, "object exceeds size policy")
	assert.Zero(t, f.putCount[obj.Oid])
}

func TestUploadRejectsInvalidObjects(t *testing.T) {
	_, pipe := newFakeLFS(t)

	_, err := pipe.Upload(context.Background(), []Object{{Oid: "not-hex", Size: 1, Path: "x"}})
	assert.ErrorContains(t, err, "invalid OID")

	_, err = pipe.Upload(context.Background(), []Object{{Oid: hashutil.SumBytes(nil), Size: 1, Path: ""}})
	assert.ErrorContains(t, err, "missing local path")
}

func TestPartURLs(t *testing.T) {
	t.Run("ordered and contiguous", func(t *testing.T) {
		urls, err := partURLs(map[string]string{
			"00002":      "https://s3/part2",
			"00001":      "https://s3/part1",
			"00003":      "https://s3/part3",
			chunkSizeKey: "100",
			"x-custom":   "ignored",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://s3/part1", "https://s3/part2", "https://s3/part3"}, urls)
	})

	t.Run("missing part", func(t *testing.T) {
		_, err := partURLs(map[string]string{"00001": "a", "00003": "c"})
		assert.ErrorContains(t, err, "missing part 2")
	})

	t.Run("no numbered keys", func(t *testing.T) {
		urls, err := partURLs(map[string]string{"Authorization": "AWS sig"})
		require.NoError(t, err)
		assert.Empty(t, urls)
	})
}

func TestModeFor(t *testing.T) {
	mode, _, err := modeFor(batchAction{Header: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, SinglePart, mode)

	mode, chunk, err := modeFor(batchAction{Header: map[string]string{chunkSizeKey: "5242880"}})
	require.NoError(t, err)
	assert.Equal(t, Multipart, mode)
	assert.Equal(t, int64(5242880), chunk)

	_, _, err = modeFor(batchAction{Header: map[string]string{chunkSizeKey: "banana"}})
	assert.Error(t, err)

	_, _, err = modeFor(batchAction{Header: map[string]string{chunkSizeKey: "-1"}})
	assert.Error(t, err)
}
