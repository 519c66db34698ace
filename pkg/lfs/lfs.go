// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package lfs implements the client side of the git-lfs batch
// protocol for large-object uploads: one negotiation request for the
// whole batch, then per-object transfers in either single-PUT or
// multipart mode, with optional server verification.
//
// The server chooses the transfer mode per object: a chunk_size key
// in the upload action's header selects multipart, where numbered
// header keys carry one presigned URL per part. Objects the server
// already stores come back without actions and are skipped.
//
// Objects upload through a bounded worker pool. One object's failure
// never cancels its in-flight siblings; failures are collected per
// object and aggregated into a BatchError at the end.
package lfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubsync/hubsync/internal/hashutil"
	"github.com/hubsync/hubsync/internal/hubhttp"
)

// DefaultConcurrency bounds how many objects upload at once.
const DefaultConcurrency = 4

// DefaultPartConcurrency bounds concurrent part uploads within one
// multipart object.
const DefaultPartConcurrency = 4

// Object identifies one large file by content address.
type Object struct {
	// Oid is the sha-256 hex digest of the content.
	Oid string

	// Size is the content length in bytes.
	Size int64

	// Path is the local file providing the content.
	Path string
}

func (o Object) validate() error {
	if !hashutil.IsHex(o.Oid) {
		return fmt.Errorf("invalid OID %q: expected sha-256 hex", o.Oid)
	}
	if o.Size < 0 {
		return fmt.Errorf("negative size for %s", o.Path)
	}
	if o.Path == "" {
		return errors.New("missing local path")
	}
	return nil
}

// Oid computes the content identifier for everything readable from r:
// the hex sha-256 digest and the number of bytes consumed.
func Oid(r io.Reader) (string, int64, error) {
	return hashutil.SumReader(r)
}

// FromFile builds an Object for a local file, computing its OID by
// streaming the content once.
func FromFile(path string) (Object, error) {
	sum, size, err := hashutil.SumFile(path)
	if err != nil {
		return Object{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Object{Oid: sum, Size: size, Path: path}, nil
}

// Mode selects the transfer strategy for one object. The server
// decides: multipart when the upload action carries a chunk_size
// header, single-PUT otherwise.
type Mode uint8

const (
	// SinglePart uploads the whole object with one PUT.
	SinglePart Mode = iota + 1

	// Multipart splits the object into fixed-size chunks, uploads
	// each to its assigned URL, and finishes with an ordered
	// completion call.
	Multipart
)

// String returns the snake_case name of the mode.
func (m Mode) String() string {
	switch m {
	case SinglePart:
		return "single_part"
	case Multipart:
		return "multipart"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Event is a coarse notification emitted while a batch runs. Phase is
// one of "negotiate", "skip", "upload", "part", "verify", "retry",
// "done".
type Event struct {
	Oid     string
	Phase   string
	Part    int
	Bytes   int64
	Total   int64
	Attempt int
	Message string
}

// Outcome reports one object's result. Err is set when that object
// failed; the rest of the batch is unaffected.
type Outcome struct {
	Object  Object
	Mode    Mode
	Skipped bool
	Parts   int
	Err     error
}

// BatchError aggregates per-object failures from an otherwise
// completed batch.
type BatchError struct {
	Failed int
	Total  int
	First  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d objects failed: %v", e.Failed, e.Total, e.First)
}

func (e *BatchError) Unwrap() error {
	return e.First
}

// Options configures a Pipeline.
type Options struct {
	// Client is used for all requests; defaults to hubhttp.NewClient.
	Client *http.Client

	// Token authenticates batch negotiation and verification calls.
	// Storage PUTs carry only the headers the server hands out;
	// presigned URLs reject extra credentials.
	Token string

	// Concurrency bounds parallel object uploads; zero means
	// DefaultConcurrency.
	Concurrency int

	// PartConcurrency bounds parallel part uploads within one
	// object; zero means DefaultPartConcurrency.
	PartConcurrency int

	// Retries bounds additional attempts per request after a
	// retryable failure. Zero means 3; negative disables retries.
	Retries int

	// BackoffInitial and BackoffMax shape the retry backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// OnEvent receives progress notifications; may be nil.
	OnEvent func(Event)
}

// Pipeline uploads batches of large objects to an LFS batch endpoint.
type Pipeline struct {
	endpoint string
	opts     Options
}

// New creates a pipeline against a batch endpoint URL.
func New(endpoint string, opts Options) *Pipeline {
	if opts.Client == nil {
		opts.Client = hubhttp.NewClient()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PartConcurrency <= 0 {
		opts.PartConcurrency = DefaultPartConcurrency
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Pipeline{endpoint: endpoint, opts: opts}
}

func (p *Pipeline) emit(ev Event) {
	if p.opts.OnEvent != nil {
		p.opts.OnEvent(ev)
	}
}

// Upload negotiates the whole batch, then transfers every object the
// server asked for. Outcomes are returned in input order. When any
// object fails, the returned error is a *BatchError; successful
// siblings keep their results.
func (p *Pipeline) Upload(ctx context.Context, objects []Object) ([]Outcome, error) {
	for _, o := range objects {
		if err := o.validate(); err != nil {
			return nil, err
		}
	}
	if len(objects) == 0 {
		return nil, nil
	}

	p.emit(Event{Phase: "negotiate", Total: int64(len(objects))})
	items, err := p.negotiate(ctx, objects)
	if err != nil {
		return nil, fmt.Errorf("batch negotiation: %w", err)
	}

	outcomes := make([]Outcome, len(objects))

	// Identical content needs to move only once; later occurrences of
	// an OID ride on the first.
	firstIndex := make(map[string]int, len(objects))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, obj := range objects {
		if _, dup := firstIndex[obj.Oid]; dup {
			outcomes[i] = Outcome{Object: obj, Skipped: true}
			continue
		}
		firstIndex[obj.Oid] = i

		item, ok := items[obj.Oid]
		if !ok {
			outcomes[i] = Outcome{Object: obj, Err: fmt.Errorf("server response missing object %s", hashutil.Short(obj.Oid, 8))}
			continue
		}

		i, obj := i, obj
		g.Go(func() error {
			// Errors stay in the outcome so one object's failure
			// cannot cancel its siblings.
			outcomes[i] = p.uploadOne(ctx, obj, item)
			return nil
		})
	}
	g.Wait()

	failed := 0
	var first error
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
			if first == nil {
				first = out.Err
			}
		}
	}
	if failed > 0 {
		return outcomes, &BatchError{Failed: failed, Total: len(objects), First: first}
	}
	return outcomes, nil
}

func (p *Pipeline) uploadOne(ctx context.Context, obj Object, item batchItem) Outcome {
	out := Outcome{Object: obj}
	oid := hashutil.Short(obj.Oid, 8)

	if item.Error != nil {
		out.Err = fmt.Errorf("server rejected %s: %s (code %d)", oid, item.Error.Message, item.Error.Code)
		return out
	}

	upload, ok := item.Actions[actionUpload]
	if !ok {
		// No upload action: the server already stores this content.
		out.Skipped = true
		p.emit(Event{Oid: obj.Oid, Phase: "skip", Total: obj.Size})
		return out
	}

	mode, chunkSize, err := modeFor(upload)
	if err != nil {
		out.Err = fmt.Errorf("object %s: %w", oid, err)
		return out
	}
	out.Mode = mode

	switch mode {
	case SinglePart:
		out.Err = p.uploadSingle(ctx, obj, upload)
		out.Parts = 1
	case Multipart:
		out.Parts, out.Err = p.uploadMultipart(ctx, obj, upload, chunkSize)
	}
	if out.Err != nil {
		out.Err = fmt.Errorf("upload %s: %w", oid, out.Err)
		return out
	}

	if verify, ok := item.Actions[actionVerify]; ok {
		p.emit(Event{Oid: obj.Oid, Phase: "verify", Total: obj.Size})
		if err := p.verify(ctx, obj, verify); err != nil {
			out.Err = fmt.Errorf("verify %s: %w", oid, err)
			return out
		}
	}

	p.emit(Event{Oid: obj.Oid, Phase: "done", Bytes: obj.Size, Total: obj.Size})
	return out
}
