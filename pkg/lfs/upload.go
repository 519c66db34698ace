// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package lfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubsync/hubsync/internal/hubhttp"
)

// progressInterval throttles upload progress events.
const progressInterval = 200 * time.Millisecond

// countingReader emits throttled progress while the transport drains
// the request body.
type countingReader struct {
	r     io.Reader
	total int64
	sent  int64
	oid   string
	last  time.Time
	emit  func(Event)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.sent += int64(n)
		if now := time.Now(); now.Sub(cr.last) >= progressInterval {
			cr.last = now
			cr.emit(Event{Oid: cr.oid, Phase: "upload", Bytes: cr.sent, Total: cr.total})
		}
	}
	return n, err
}

// uploadSingle PUTs the whole object to the action URL.
func (p *Pipeline) uploadSingle(ctx context.Context, obj Object, action batchAction) error {
	retry := hubhttp.NewBackoff(p.opts.BackoffInitial, p.opts.BackoffMax)
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		err := p.putFile(ctx, obj, action)
		if err == nil {
			return nil
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == p.opts.Retries {
			break
		}
		p.emit(Event{Oid: obj.Oid, Phase: "retry", Attempt: attempt + 1, Message: err.Error()})
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			return ctx.Err()
		}
	}
	return hubhttp.Exhausted(lastErr, p.opts.Retries+1)
}

func (p *Pipeline) putFile(ctx context.Context, obj Object, action batchAction) error {
	f, err := os.Open(obj.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	body := &countingReader{r: f, total: obj.Size, oid: obj.Oid, emit: p.emit}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, body)
	if err != nil {
		return err
	}
	req.ContentLength = obj.Size
	// Storage URLs are presigned; only the server-provided headers
	// and a user agent go out, never the bearer token.
	hubhttp.AddAuth(req, "")
	storageHeaders(req, action)

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return hubhttp.CheckStatus(resp)
}

// uploadMultipart splits the object into chunkSize pieces, uploads
// them concurrently to their assigned URLs, then posts the ordered
// completion call.
func (p *Pipeline) uploadMultipart(ctx context.Context, obj Object, action batchAction, chunkSize int64) (int, error) {
	urls, err := partURLs(action.Header)
	if err != nil {
		return 0, err
	}
	numParts := int((obj.Size + chunkSize - 1) / chunkSize)
	if numParts < 1 {
		numParts = 1
	}
	if len(urls) != numParts {
		return 0, fmt.Errorf("server provided %d part URLs for %d parts", len(urls), numParts)
	}

	// Parts of one object share a fate: the first failure cancels its
	// siblings, unlike whole objects in a batch.
	etags := make([]string, numParts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.PartConcurrency)
	for i := 0; i < numParts; i++ {
		i := i
		g.Go(func() error {
			start := int64(i) * chunkSize
			length := chunkSize
			if start+length > obj.Size {
				length = obj.Size - start
			}
			etag, err := p.putPart(gctx, obj, urls[i], start, length, i+1)
			if err != nil {
				return fmt.Errorf("part %d: %w", i+1, err)
			}
			etags[i] = etag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Completion lists parts strictly ascending by number, whatever
	// order the uploads finished in.
	completion := completionRequest{Oid: obj.Oid}
	for i, etag := range etags {
		completion.Parts = append(completion.Parts, completionPart{PartNumber: i + 1, Etag: etag})
	}
	if err := p.postJSON(ctx, action, completion); err != nil {
		return 0, fmt.Errorf("completion: %w", err)
	}
	return numParts, nil
}

type completionRequest struct {
	Oid   string           `json:"oid"`
	Parts []completionPart `json:"parts"`
}

type completionPart struct {
	PartNumber int    `json:"partNumber"`
	Etag       string `json:"etag"`
}

func (p *Pipeline) putPart(ctx context.Context, obj Object, url string, start, length int64, partNum int) (string, error) {
	retry := hubhttp.NewBackoff(p.opts.BackoffInitial, p.opts.BackoffMax)
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		etag, err := p.putPartOnce(ctx, obj, url, start, length)
		if err == nil {
			p.emit(Event{Oid: obj.Oid, Phase: "part", Part: partNum, Bytes: length, Total: obj.Size})
			return etag, nil
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == p.opts.Retries {
			break
		}
		p.emit(Event{Oid: obj.Oid, Phase: "retry", Part: partNum, Attempt: attempt + 1, Message: err.Error()})
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			return "", ctx.Err()
		}
	}
	return "", hubhttp.Exhausted(lastErr, p.opts.Retries+1)
}

func (p *Pipeline) putPartOnce(ctx context.Context, obj Object, url string, start, length int64) (string, error) {
	f, err := os.Open(obj.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, io.NewSectionReader(f, start, length))
	if err != nil {
		return "", err
	}
	req.ContentLength = length
	hubhttp.AddAuth(req, "")

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := hubhttp.CheckStatus(resp); err != nil {
		return "", err
	}

	// The completion call echoes each part's ETag back verbatim.
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", errors.New("no ETag in part response")
	}
	return etag, nil
}

// verify asks the server to confirm it now holds (OID, size).
func (p *Pipeline) verify(ctx context.Context, obj Object, action batchAction) error {
	return p.postJSON(ctx, action, batchObject{Oid: obj.Oid, Size: obj.Size})
}

// postJSON sends a protocol JSON body to an action URL with retries.
// Completion and verification both talk to the hub side, so the
// bearer token rides along unless the action overrides it.
func (p *Pipeline) postJSON(ctx context.Context, action batchAction, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	retry := hubhttp.NewBackoff(p.opts.BackoffInitial, p.opts.BackoffMax)
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		err := p.postJSONOnce(ctx, action, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		if !hubhttp.Retryable(err) || attempt == p.opts.Retries {
			break
		}
		if !hubhttp.SleepCtx(ctx, retry.Next()) {
			return ctx.Err()
		}
	}
	return hubhttp.Exhausted(lastErr, p.opts.Retries+1)
}

func (p *Pipeline) postJSONOnce(ctx context.Context, action batchAction, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Href, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("Content-Type", mediaType)
	hubhttp.AddAuth(req, p.opts.Token)
	storageHeaders(req, action)

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return hubhttp.CheckStatus(resp)
}
