package strata

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	jsoniter "github.com/json-iterator/go"

	"github.com/pithecene-io/strata/internal/colbuild"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONLOption configures a JSONLReader.
type JSONLOption func(*JSONLReader)

// WithJSONLBatchSize sets the row count of emitted batches.
func WithJSONLBatchSize(n int) JSONLOption {
	return func(r *JSONLReader) {
		r.batchSize = n
	}
}

// WithJSONLAllocator sets the Arrow allocator for decoded batches.
func WithJSONLAllocator(mem memory.Allocator) JSONLOption {
	return func(r *JSONLReader) {
		r.mem = mem
	}
}

// WithJSONLCompressor forces a compressor instead of selecting one from the
// file extension.
func WithJSONLCompressor(c Compressor) JSONLOption {
	return func(r *JSONLReader) {
		r.comp = c
	}
}

// JSONLReader opens newline-delimited JSON files as record streams.
//
// Each line is one JSON object decoded against the configured file schema:
// missing or null keys become nulls in nullable fields, extra keys are
// ignored. Gzip and zstd objects are decompressed transparently by
// extension.
//
// Byte ranges use line-split semantics: a range starting inside a line
// skips forward to the next line, and the line straddling the range end is
// completed. Two adjacent ranges covering a file therefore partition its
// lines exactly. Ranged scans of compressed objects are rejected at open
// time.
type JSONLReader struct {
	schema    *arrow.Schema
	batchSize int
	mem       memory.Allocator
	comp      Compressor
}

// NewJSONLReader creates a JSONL format reader that yields batches with the
// given schema.
func NewJSONLReader(fileSchema *arrow.Schema, opts ...JSONLOption) (*JSONLReader, error) {
	if fileSchema == nil {
		return nil, errors.New("strata: jsonl reader requires a file schema")
	}
	for _, f := range fileSchema.Fields() {
		if !supportedLeafType(f.Type) {
			return nil, fmt.Errorf("strata: jsonl reader does not support field %q of type %s", f.Name, f.Type)
		}
	}

	r := &JSONLReader{
		schema:    fileSchema,
		batchSize: defaultBatchSize,
		mem:       memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		return nil, fmt.Errorf("strata: jsonl batch size must be positive, got %d", r.batchSize)
	}
	return r, nil
}

// Open implements FormatReader.
func (r *JSONLReader) Open(ctx context.Context, fs FS, meta ObjectMeta, rng *FileRange) (RecordStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comp := r.comp
	if comp == nil {
		comp = compressorForKey(meta.Key)
	}
	if rng != nil && comp.Name() != "noop" {
		return nil, fmt.Errorf("strata: cannot range-scan %s compressed file %s", comp.Name(), meta.Key)
	}

	var (
		raw io.ReadCloser
		err error
	)
	// Without a range the budget is unbounded and EOF ends the stream; pos
	// counts decompressed bytes, so meta.Size must not cap a compressed
	// object.
	pos := int64(0)
	end := int64(math.MaxInt64)
	if rng != nil {
		// Read from just before the range start to end of object. Opening one
		// byte early means a range that begins exactly at a line boundary
		// skips the previous line's newline, not its own first line; reading
		// to end of object lets the line straddling the range end complete.
		start := rng.Start
		if start > 0 {
			start--
		}
		raw, err = fs.OpenRange(ctx, meta.Key, start, meta.Size-start)
		pos = start
		end = rng.End
	} else {
		raw, err = fs.Open(ctx, meta.Key)
	}
	if err != nil {
		return nil, err
	}

	body, err := comp.Decompress(raw)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("strata: decompress %s: %w", meta.Key, err)
	}

	s := &jsonlStream{
		schema:    r.schema,
		mem:       r.mem,
		batchSize: r.batchSize,
		raw:       raw,
		body:      body,
		br:        bufio.NewReader(body),
		pos:       pos,
		end:       end,
	}

	// A range starting mid-file owns nothing before the next line boundary;
	// the partial first line belongs to the previous range.
	if rng != nil && rng.Start > 0 {
		if err := s.skipPartialLine(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// jsonlStream decodes lines into record batches until its byte budget is
// spent.
type jsonlStream struct {
	schema    *arrow.Schema
	mem       memory.Allocator
	batchSize int

	raw  io.ReadCloser
	body io.ReadCloser
	br   *bufio.Reader
	pos  int64 // offset of the next unread byte in the uncompressed object
	end  int64 // lines starting at or past this offset belong to the next range

	closed bool
	done   bool
}

func (s *jsonlStream) Schema() *arrow.Schema {
	return s.schema
}

func (s *jsonlStream) skipPartialLine() error {
	line, err := s.br.ReadBytes('\n')
	s.pos += int64(len(line))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("strata: jsonl: %w", err)
	}
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	return nil
}

func (s *jsonlStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}

	bldr := array.NewRecordBuilder(s.mem, s.schema)
	defer bldr.Release()

	rows := 0
	for rows < s.batchSize {
		if s.pos >= s.end {
			s.done = true
			break
		}

		line, err := s.br.ReadBytes('\n')
		s.pos += int64(len(line))
		if errors.Is(err, io.EOF) {
			s.done = true
		} else if err != nil {
			return nil, fmt.Errorf("strata: jsonl: %w", err)
		}

		line = trimLine(line)
		if len(line) > 0 {
			if derr := s.decodeLine(bldr, line); derr != nil {
				return nil, derr
			}
			rows++
		}
		if s.done {
			break
		}
	}

	if rows == 0 {
		return nil, io.EOF
	}
	return bldr.NewRecord(), nil
}

func (s *jsonlStream) decodeLine(bldr *array.RecordBuilder, line []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return fmt.Errorf("strata: jsonl: decode line: %w", err)
	}

	for i, field := range s.schema.Fields() {
		val, ok := obj[field.Name]
		if !ok {
			val = nil
		}
		var err error
		if val == nil {
			err = colbuild.AppendNull(bldr.Field(i), field)
		} else {
			err = colbuild.AppendJSON(bldr.Field(i), field, val)
		}
		if err != nil {
			return fmt.Errorf("strata: jsonl: %w", err)
		}
	}
	return nil
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func (s *jsonlStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	if cerr := s.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ FormatReader = (*JSONLReader)(nil)
