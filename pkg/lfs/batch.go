// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package lfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/hubsync/hubsync/internal/hubhttp"
)

// mediaType is the content type of every batch-protocol exchange.
const mediaType = "application/vnd.git-lfs+json"

const (
	actionUpload = "upload"
	actionVerify = "verify"

	// chunkSizeKey in an upload action's header selects multipart
	// mode and carries the part size in bytes.
	chunkSizeKey = "chunk_size"
)

// batchRequest is the negotiation body: every (OID, size) pair in one
// round trip.
type batchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers,omitempty"`
	Objects   []batchObject `json:"objects"`
	HashAlgo  string        `json:"hash_algo"`
}

type batchObject struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

type batchResponse struct {
	Transfer string      `json:"transfer,omitempty"`
	Objects  []batchItem `json:"objects"`
}

// batchItem is the server's verdict for one object: an error, upload
// instructions, or neither when the content is already present.
type batchItem struct {
	Oid     string                 `json:"oid"`
	Size    int64                  `json:"size"`
	Error   *batchItemError        `json:"error,omitempty"`
	Actions map[string]batchAction `json:"actions,omitempty"`
}

type batchItemError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type batchAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

// negotiate posts the batch request and indexes the response by OID.
func (p *Pipeline) negotiate(ctx context.Context, objects []Object) (map[string]batchItem, error) {
	body := batchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		HashAlgo:  "sha256",
	}
	for _, o := range objects {
		body.Objects = append(body.Objects, batchObject{Oid: o.Oid, Size: o.Size})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	retry := hubhttp.NewBackoff(p.opts.BackoffInitial, p.opts.BackoffMax)
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		items, err := p.negotiateOnce(ctx, raw)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == p.opts.Retries {
			break
		}
		p.emit(Event{Phase: "retry", Attempt: attempt + 1, Message: err.Error()})
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			return nil, ctx.Err()
		}
	}
	return nil, hubhttp.Exhausted(lastErr, p.opts.Retries+1)
}

func (p *Pipeline) negotiateOnce(ctx context.Context, raw []byte) (map[string]batchItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("Content-Type", mediaType)
	hubhttp.AddAuth(req, p.opts.Token)

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := hubhttp.CheckStatus(resp); err != nil {
		return nil, err
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	items := make(map[string]batchItem, len(parsed.Objects))
	for _, item := range parsed.Objects {
		items[item.Oid] = item
	}
	return items, nil
}

// modeFor inspects an upload action for the chunk-size marker that
// selects multipart mode.
func modeFor(action batchAction) (Mode, int64, error) {
	raw, ok := action.Header[chunkSizeKey]
	if !ok {
		return SinglePart, 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid %s %q", chunkSizeKey, raw)
	}
	return Multipart, n, nil
}

// partURLs extracts the numbered per-part URLs from an upload
// action's header, ordered by part number. Part numbers start at 1
// and must be contiguous.
func partURLs(header map[string]string) ([]string, error) {
	type numbered struct {
		n   int
		url string
	}
	var parts []numbered
	for key, value := range header {
		if !isDigits(key) {
			continue
		}
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("part key %q: %w", key, err)
		}
		parts = append(parts, numbered{n: n, url: value})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })

	urls := make([]string, len(parts))
	for i, part := range parts {
		if part.n != i+1 {
			return nil, fmt.Errorf("part URLs not contiguous: missing part %d", i+1)
		}
		urls[i] = part.url
	}
	return urls, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// storageHeaders copies the action headers meant for the storage
// request, dropping the protocol's own control keys.
func storageHeaders(req *http.Request, action batchAction) {
	for key, value := range action.Header {
		if key == chunkSizeKey || isDigits(key) {
			continue
		}
		req.Header.Set(key, value)
	}
}
