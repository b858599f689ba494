package strata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/arrow/scalar"
)

// -----------------------------------------------------------------------------
// Stream options
// -----------------------------------------------------------------------------

// StreamOption configures a FileStream.
type StreamOption func(*FileStream)

// WithMetrics attaches a metrics handle to the stream. Without it the stream
// records nothing.
func WithMetrics(m *ScanMetrics) StreamOption {
	return func(s *FileStream) {
		s.metrics = m
	}
}

// WithAllocator sets the Arrow allocator used for partition columns.
// Defaults to memory.DefaultAllocator.
func WithAllocator(mem memory.Allocator) StreamOption {
	return func(s *FileStream) {
		s.mem = mem
	}
}

// -----------------------------------------------------------------------------
// Driver state
// -----------------------------------------------------------------------------

// streamState is the driver's position in the scan. Exactly one of the
// opening future and the scanning sub-stream is live at a time; Limit and
// Error are terminal.
type streamState uint8

const (
	stateIdle streamState = iota
	stateOpening
	stateScanning
	stateLimit
	stateError
)

// openResult is what an open future resolves to.
type openResult struct {
	stream RecordStream
	err    error
}

// openFuture is an in-flight FormatReader.Open call. The result channel is
// buffered so the goroutine never leaks even when the future is abandoned.
type openFuture struct {
	result chan openResult
	cancel context.CancelFunc
}

// abandon cancels the open and ensures a late-arriving sub-stream is closed.
// It never blocks.
func (f *openFuture) abandon() {
	f.cancel()
	go func() {
		if res := <-f.result; res.stream != nil {
			_ = res.stream.Close()
		}
	}()
}

// -----------------------------------------------------------------------------
// FileStream
// -----------------------------------------------------------------------------

// FileStream scans an ordered group of files as one RecordStream.
//
// Files are opened strictly one at a time and in order; file k+1 is not
// touched until file k is fully drained. Each decoded batch is widened with
// the file's partition-column values and counted against the optional global
// row limit, truncating the final batch when the limit falls inside it.
//
// A FileStream is driven by a single caller; it contains no internal
// parallelism beyond the one goroutine awaiting the current file open.
type FileStream struct {
	fs      FS
	reader  FormatReader
	queue   []PartitionedFile
	schema  *arrow.Schema
	proj    *partitionProjector
	remain  *int64
	metrics *ScanMetrics
	mem     memory.Allocator

	state           streamState
	opening         *openFuture
	scanning        RecordStream
	scanCancel      context.CancelFunc // releases the open context backing scanning
	partitionValues []scalar.Scalar
	currentKey      string
	closed          bool
}

// NewFileStream creates the scan stream for one partition of the configured
// scan.
//
// The stream snapshots the partition's file group and the limit at
// construction; later changes to cfg are not observed. reader must be
// configured for cfg.ProjectedFileSchema() so sub-streams yield exactly the
// projected file columns.
func NewFileStream(fs FS, cfg *ScanConfig, partition int, reader FormatReader, opts ...StreamOption) (*FileStream, error) {
	if fs == nil {
		return nil, errors.New("strata: fs is required")
	}
	if cfg == nil {
		return nil, errors.New("strata: scan config is required")
	}
	if reader == nil {
		return nil, errors.New("strata: format reader is required")
	}
	if partition < 0 || partition >= len(cfg.FileGroups) {
		return nil, fmt.Errorf("strata: partition %d out of range [0, %d)", partition, len(cfg.FileGroups))
	}

	projected, err := cfg.Project()
	if err != nil {
		return nil, err
	}

	queue := make([]PartitionedFile, len(cfg.FileGroups[partition]))
	copy(queue, cfg.FileGroups[partition])

	for _, file := range queue {
		if len(file.PartitionValues) != len(cfg.PartitionFields) {
			return nil, fmt.Errorf("strata: file %s has %d partition values, scan has %d partition columns",
				file.Meta.Key, len(file.PartitionValues), len(cfg.PartitionFields))
		}
	}

	var remain *int64
	if cfg.Limit != nil {
		if *cfg.Limit < 0 {
			return nil, fmt.Errorf("strata: limit must be non-negative, got %d", *cfg.Limit)
		}
		v := *cfg.Limit
		remain = &v
	}

	s := &FileStream{
		fs:     fs,
		reader: reader,
		queue:  queue,
		schema: projected,
		remain: remain,
		mem:    memory.DefaultAllocator,
		state:  stateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.proj = newPartitionProjector(projected, cfg.PartitionFields, s.mem)

	return s, nil
}

// Schema returns the projected output schema. Every batch Next returns has
// exactly this schema.
func (s *FileStream) Schema() *arrow.Schema {
	return s.schema
}

// Next returns the next record batch of the scan.
//
// It returns io.EOF once the file group is drained, once the row limit has
// been reached, or on any poll after an error was returned. Errors are
// *OpenError or *DecodeError and are terminal. Context errors are the
// exception: they leave the stream where it was, and a later call resumes.
//
// The caller owns the returned record and must Release it.
func (s *FileStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}

	start := time.Now()
	rec, err := s.next(ctx)
	s.metrics.observePoll(time.Since(start))
	if rec != nil {
		s.metrics.observeBatch(rec.NumRows())
	}
	return rec, err
}

// next is the driver loop. It advances through states until it produces a
// batch, blocks on the current suspension point, or reaches a terminal
// state.
func (s *FileStream) next(ctx context.Context) (arrow.Record, error) {
	for {
		switch s.state {
		case stateIdle:
			if len(s.queue) == 0 {
				return nil, io.EOF
			}
			file := s.queue[0]
			s.queue = s.queue[1:]
			s.partitionValues = file.PartitionValues
			s.currentKey = file.Meta.Key
			s.opening = s.startOpen(file)
			s.state = stateOpening

		case stateOpening:
			select {
			case res := <-s.opening.result:
				// The open context stays live while the sub-stream is
				// scanned; providers may bind their readers to it.
				cancel := s.opening.cancel
				s.opening = nil
				if res.err != nil {
					cancel()
					s.state = stateError
					s.partitionValues = nil
					s.metrics.observeOpenError()
					return nil, &OpenError{Key: s.currentKey, Err: res.err}
				}
				s.scanning = res.stream
				s.scanCancel = cancel
				s.state = stateScanning
			case <-ctx.Done():
				// The open stays in flight; the next poll resumes it.
				return nil, ctx.Err()
			}

		case stateScanning:
			rec, err := s.scanning.Next(ctx)
			switch {
			case err == nil:
				out, perr := s.proj.project(rec, s.partitionValues)
				if perr != nil {
					rec.Release()
					s.fail()
					s.metrics.observeDecodeError()
					return nil, &DecodeError{Key: s.currentKey, Err: perr}
				}
				return s.applyLimit(out), nil
			case errors.Is(err, io.EOF):
				_ = s.scanning.Close()
				s.scanning = nil
				s.scanCancel()
				s.scanCancel = nil
				s.partitionValues = nil
				s.state = stateIdle
			case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
				// The caller gave up mid-poll. The sub-stream stays live and
				// the next poll resumes it. A context error the caller did
				// not cause is a real read failure, handled below.
				return nil, err
			default:
				s.fail()
				s.metrics.observeDecodeError()
				return nil, &DecodeError{Key: s.currentKey, Err: err}
			}

		case stateLimit, stateError:
			return nil, io.EOF
		}
	}
}

// startOpen launches the format reader's open off the poll path. The open
// runs under its own cancelable context so an expired poll context does not
// kill it. The context outlives the open itself: providers may bind the
// returned stream's readers to it, so it is canceled only when the
// sub-stream is released.
func (s *FileStream) startOpen(file PartitionedFile) *openFuture {
	openCtx, cancel := context.WithCancel(context.Background())
	f := &openFuture{
		result: make(chan openResult, 1),
		cancel: cancel,
	}
	go func() {
		stream, err := s.reader.Open(openCtx, s.fs, file.Meta, file.Range)
		f.result <- openResult{stream: stream, err: err}
	}()
	return f
}

// applyLimit charges rec against the remaining row budget, truncating it and
// entering the Limit state when the budget falls inside the batch.
// Truncation is measured in output rows: partition columns are already
// projected by the time rec arrives here.
func (s *FileStream) applyLimit(rec arrow.Record) arrow.Record {
	if s.remain == nil {
		return rec
	}
	n := rec.NumRows()
	if *s.remain >= n {
		// A batch that exactly exhausts the budget passes through untouched;
		// only a batch overshooting it triggers truncation and Limit.
		*s.remain -= n
		return rec
	}
	out := rec.NewSlice(0, *s.remain)
	rec.Release()
	*s.remain = 0
	s.enterLimit()
	s.metrics.observeLimit()
	return out
}

// enterLimit moves to the terminal Limit state, releasing whichever of the
// open future and sub-stream is live.
func (s *FileStream) enterLimit() {
	s.releaseCurrent()
	s.state = stateLimit
}

// fail moves to the terminal Error state, releasing whichever of the open
// future and sub-stream is live.
func (s *FileStream) fail() {
	s.releaseCurrent()
	s.state = stateError
}

func (s *FileStream) releaseCurrent() {
	if s.opening != nil {
		s.opening.abandon()
		s.opening = nil
	}
	if s.scanning != nil {
		_ = s.scanning.Close()
		s.scanning = nil
	}
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	s.partitionValues = nil
}

// Close releases the stream's resources: it abandons any in-flight open and
// closes any active sub-stream. Close never blocks on in-flight I/O and is
// idempotent. Remaining queued files are discarded unopened.
func (s *FileStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseCurrent()
	s.queue = nil
	return nil
}

var _ RecordStream = (*FileStream)(nil)
