// Package strata provides a sequential file-scan stream for columnar query
// engines.
//
// Strata turns an ordered group of data files into a single lazy sequence of
// Arrow record batches. Files are opened one at a time through a pluggable
// format reader, each decoded batch is widened with the file's constant
// partition-column values, and an optional global row limit truncates the
// final batch. Strata performs no planning, no predicate evaluation, and no
// caching; it exposes stored bytes as batches and nothing more.
package strata

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v10/arrow"
)

// -----------------------------------------------------------------------------
// Stream contract
// -----------------------------------------------------------------------------

// RecordStream is a lazy sequence of fallible Arrow record batches.
//
// Next returns the next batch or an error. It returns io.EOF when the
// sequence is exhausted; io.EOF is sticky and every subsequent call returns
// it again. The caller owns returned records and must Release them.
//
// Next honors the supplied context: a context error is returned to the
// caller without consuming an element, and a later call with a live context
// resumes where the previous one left off.
type RecordStream interface {
	// Schema returns the schema shared by every batch the stream yields.
	Schema() *arrow.Schema

	// Next returns the next record batch, io.EOF at end of stream, or an
	// error. After a non-context error the stream is terminated.
	Next(ctx context.Context) (arrow.Record, error)

	// Close releases all resources held by the stream. Close is idempotent
	// and never blocks on in-flight I/O.
	Close() error
}

// FormatReader opens a single data file as a RecordStream.
//
// Implementations decode one physical format (Parquet, JSONL, ...) and are
// configured up front with the file columns the scan wants, so returned
// streams yield projection-compatible batches. Open may perform I/O and must
// honor ctx for cancellation; it must not retain fs or meta beyond the
// lifetime of the returned stream.
type FormatReader interface {
	// Open resolves the object described by meta through fs and returns a
	// stream over its batches. A non-nil rng restricts the scan to the
	// format's interpretation of that byte range.
	Open(ctx context.Context, fs FS, meta ObjectMeta, rng *FileRange) (RecordStream, error)
}

// -----------------------------------------------------------------------------
// Filesystem contract
// -----------------------------------------------------------------------------

// ReaderAtCloser is a random-access reader that must be closed after use.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// FS abstracts read access to an object filesystem.
//
// Implementations may target local disks, S3, or in-memory stores. An FS is
// shared by every stream of a scan and must be safe for concurrent use.
type FS interface {
	// Open returns a sequential reader over the full object.
	// Returns ErrNotFound if the key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenRange returns a sequential reader over length bytes starting at
	// offset. Reads past end of object return the available bytes.
	// Returns ErrNotFound if the key does not exist.
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// ReaderAt returns a concurrent-safe random-access reader for the object.
	// Returns ErrNotFound if the key does not exist.
	ReaderAt(ctx context.Context, key string) (ReaderAtCloser, error)

	// Stat returns metadata for the object.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (ObjectMeta, error)

	// List returns metadata for all objects under the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrInvalidKey indicates an empty key or one that escapes the FS root.
	ErrInvalidKey = errInvalidKey{}

	// ErrStreamClosed indicates a call to Next after Close.
	ErrStreamClosed = errStreamClosed{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errInvalidKey struct{}

func (errInvalidKey) Error() string { return "invalid key" }

type errStreamClosed struct{}

func (errStreamClosed) Error() string { return "stream closed" }

// OpenError reports a failure to open a file for scanning: the object could
// not be resolved, its header could not be parsed, or the format reader
// rejected the request.
type OpenError struct {
	// Key is the storage key of the file that failed to open.
	Key string

	// Err is the underlying cause.
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("strata: open %s: %v", e.Key, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// DecodeError reports a failure while scanning an already-open file: the
// sub-stream produced an error, a batch diverged from the expected schema,
// or partition-column projection failed.
type DecodeError struct {
	// Key is the storage key of the file being scanned.
	Key string

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("strata: decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
