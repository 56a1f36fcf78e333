// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package feed turns external data sets into drafts for the store. A Feed
// yields drafts one at a time; Ingest drains it through repeated puts.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Feed produces drafts. Next returns io.EOF once the feed is exhausted.
type Feed interface {
	Next(ctx context.Context) (entry.Draft, error)
}

// Putter is the store operation a feed is drained into.
type Putter interface {
	Put(ctx context.Context, d entry.Draft) (string, error)
}

// maxLine bounds a single JSON-lines record.
const maxLine = 10 << 20

// JSONLines reads one JSON-encoded draft per line. Blank lines and lines
// starting with '#' are skipped.
type JSONLines struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewJSONLines reads drafts from r.
func NewJSONLines(r io.Reader) *JSONLines {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &JSONLines{scanner: sc}
}

// OpenJSONLines reads drafts from the file at path. "-" reads stdin.
func OpenJSONLines(path string) (*JSONLines, error) {
	if path == "-" {
		return NewJSONLines(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeFeedReadFailure, "opening feed", cmerr.Field("path", path))
	}
	j := NewJSONLines(f)
	j.closer = f
	return j, nil
}

// Next decodes the next record. A malformed record is reported with its
// line number; the following call continues after it.
func (j *JSONLines) Next(ctx context.Context) (entry.Draft, error) {
	for {
		if err := ctx.Err(); err != nil {
			return entry.Draft{}, err
		}
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return entry.Draft{}, cmerr.Wrap(err, cmerr.CodeFeedReadFailure, "reading feed", cmerr.Field("line", j.line+1))
			}
			return entry.Draft{}, io.EOF
		}
		j.line++
		line := strings.TrimSpace(j.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var d entry.Draft
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return entry.Draft{}, cmerr.Wrap(err, cmerr.CodeFeedRecordInvalid, "decoding feed record", cmerr.Field("line", j.line))
		}
		return d, nil
	}
}

// Close releases the underlying file, if any.
func (j *JSONLines) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// Slice is an in-memory feed.
type Slice struct {
	mu     sync.Mutex
	drafts []entry.Draft
}

// NewSlice feeds drafts in order.
func NewSlice(drafts ...entry.Draft) *Slice {
	return &Slice{drafts: drafts}
}

func (s *Slice) Next(ctx context.Context) (entry.Draft, error) {
	if err := ctx.Err(); err != nil {
		return entry.Draft{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.drafts) == 0 {
		return entry.Draft{}, io.EOF
	}
	d := s.drafts[0]
	s.drafts = s.drafts[1:]
	return d, nil
}

// Options tune Ingest.
type Options struct {
	// Workers is the number of concurrent puts. The store imposes no order on
	// a feed, so drafts may land in any order. Defaults to 1.
	Workers int
	// StopOnError aborts at the first failed record instead of counting it.
	StopOnError bool
	// Domain and Source fill drafts that leave them empty.
	Domain string
	Source string
	Logger *slog.Logger
}

// Result summarizes an ingestion.
type Result struct {
	Stored  int      `json:"stored"`
	Failed  int      `json:"failed"`
	IDs     []string `json:"-"`
	Errors  []error  `json:"-"`
	Skipped int      `json:"skipped"`
}

// maxKeptErrors bounds Result.Errors.
const maxKeptErrors = 20

// Ingest drains f into p. Records the feed cannot decode count as skipped,
// records the store rejects as failed; neither stops the run unless
// StopOnError is set. Cancelling ctx stops the run and returns ctx's error
// with what was stored so far.
func Ingest(ctx context.Context, f Feed, p Putter, opts Options) (Result, error) {
	workers := max(opts.Workers, 1)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		res  Result
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan entry.Draft)
	)
	record := func(id string, err error, skipped bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			res.Stored++
			res.IDs = append(res.IDs, id)
			return
		case skipped:
			res.Skipped++
		default:
			res.Failed++
		}
		if len(res.Errors) < maxKeptErrors {
			res.Errors = append(res.Errors, err)
		}
		if opts.StopOnError {
			cancel(err)
		}
	}

	for range workers {
		wg.Go(func() {
			for d := range jobs {
				id, err := p.Put(ctx, d)
				if err != nil {
					logger.Warn("feed record rejected", "domain", d.Domain, "error", err)
				}
				record(id, err, false)
			}
		})
	}

	var readErr error
	for {
		d, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cmerr.CodeOf(err) == cmerr.CodeFeedRecordInvalid {
				logger.Warn("skipping feed record", "error", err)
				record("", err, true)
				if opts.StopOnError {
					break
				}
				continue
			}
			readErr = err
			break
		}
		if d.Domain == "" {
			d.Domain = opts.Domain
		}
		if d.Source == "" {
			d.Source = opts.Source
		}
		select {
		case jobs <- d:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if readErr == nil || errors.Is(readErr, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil {
			readErr = cause
		}
	}
	return res, readErr
}
