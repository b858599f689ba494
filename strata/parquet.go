package strata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/parquet-go/parquet-go"

	"github.com/pithecene-io/strata/internal/colbuild"
)

// defaultBatchSize is the number of rows per emitted record batch.
const defaultBatchSize = 1024

// ParquetOption configures a ParquetReader.
type ParquetOption func(*ParquetReader)

// WithParquetBatchSize sets the row count of emitted batches.
func WithParquetBatchSize(n int) ParquetOption {
	return func(r *ParquetReader) {
		r.batchSize = n
	}
}

// WithParquetAllocator sets the Arrow allocator for decoded batches.
func WithParquetAllocator(mem memory.Allocator) ParquetOption {
	return func(r *ParquetReader) {
		r.mem = mem
	}
}

// ParquetReader opens Apache Parquet files as record streams.
//
// The reader is configured with the file columns the scan wants (the
// projected file schema) and reads only those, matched to parquet leaf
// columns by name. Flat schemas only; nested parquet groups are not
// supported.
type ParquetReader struct {
	schema    *arrow.Schema
	batchSize int
	mem       memory.Allocator
}

// NewParquetReader creates a Parquet format reader that yields batches with
// the given schema.
//
// Returns an error if the schema contains a field type the decoder cannot
// populate.
func NewParquetReader(fileSchema *arrow.Schema, opts ...ParquetOption) (*ParquetReader, error) {
	if fileSchema == nil {
		return nil, errors.New("strata: parquet reader requires a file schema")
	}
	for _, f := range fileSchema.Fields() {
		if !supportedLeafType(f.Type) {
			return nil, fmt.Errorf("strata: parquet reader does not support field %q of type %s", f.Name, f.Type)
		}
	}

	r := &ParquetReader{
		schema:    fileSchema,
		batchSize: defaultBatchSize,
		mem:       memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		return nil, fmt.Errorf("strata: parquet batch size must be positive, got %d", r.batchSize)
	}
	return r, nil
}

func supportedLeafType(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.BOOL, arrow.INT32, arrow.INT64, arrow.FLOAT32, arrow.FLOAT64,
		arrow.STRING, arrow.BINARY, arrow.TIMESTAMP:
		return true
	}
	return false
}

// Open implements FormatReader.
func (r *ParquetReader) Open(ctx context.Context, fs FS, meta ObjectMeta, rng *FileRange) (RecordStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ra, err := fs.ReaderAt(ctx, meta.Key)
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(ra, meta.Size)
	if err != nil {
		_ = ra.Close()
		return nil, fmt.Errorf("parquet: open file: %w", err)
	}

	colIdx, err := mapLeafColumns(r.schema, pf.Schema())
	if err != nil {
		_ = ra.Close()
		return nil, err
	}

	groups := selectRowGroups(pf, rng)

	return &parquetStream{
		schema: r.schema,
		mem:    r.mem,
		ra:     ra,
		groups: groups,
		colIdx: colIdx,
		buf:    make([]parquet.Row, r.batchSize),
	}, nil
}

// mapLeafColumns resolves each wanted field to its leaf column index in the
// file, matched by name. A file missing a wanted column is an open-time
// failure.
func mapLeafColumns(want *arrow.Schema, have *parquet.Schema) ([]int, error) {
	leafIdx := make(map[string]int, len(have.Fields()))
	for i, f := range have.Fields() {
		if !f.Leaf() {
			return nil, fmt.Errorf("parquet: nested column %q is not supported", f.Name())
		}
		leafIdx[f.Name()] = i
	}

	colIdx := make([]int, len(want.Fields()))
	for i, f := range want.Fields() {
		idx, ok := leafIdx[f.Name]
		if !ok {
			return nil, fmt.Errorf("parquet: file has no column %q", f.Name)
		}
		colIdx[i] = idx
	}
	return colIdx, nil
}

// selectRowGroups keeps the row groups whose byte midpoint falls inside the
// range, so two adjacent ranges covering a file partition its row groups
// exactly. A nil range keeps everything, as do groups whose offsets the
// writer did not record.
func selectRowGroups(pf *parquet.File, rng *FileRange) []parquet.RowGroup {
	groups := pf.RowGroups()
	if rng == nil {
		return groups
	}

	md := pf.Metadata()
	var selected []parquet.RowGroup
	for i, rg := range groups {
		offset := md.RowGroups[i].FileOffset
		size := md.RowGroups[i].TotalCompressedSize
		if size == 0 {
			size = md.RowGroups[i].TotalByteSize
		}
		if offset == 0 && size == 0 {
			selected = append(selected, rg)
			continue
		}
		mid := offset + size/2
		if mid >= rng.Start && mid < rng.End {
			selected = append(selected, rg)
		}
	}
	return selected
}

// parquetStream drains selected row groups in order, building record
// batches of up to len(buf) rows. For flat schemas a parquet row holds
// exactly one value per leaf column, in leaf order, so colIdx indexes rows
// directly.
type parquetStream struct {
	schema *arrow.Schema
	mem    memory.Allocator
	ra     ReaderAtCloser

	groups    []parquet.RowGroup
	nextGroup int
	rows      parquet.Rows
	colIdx    []int
	buf       []parquet.Row
	closed    bool
}

func (s *parquetStream) Schema() *arrow.Schema {
	return s.schema
}

func (s *parquetStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		if s.rows == nil {
			if s.nextGroup >= len(s.groups) {
				return nil, io.EOF
			}
			s.rows = s.groups[s.nextGroup].Rows()
			s.nextGroup++
		}

		n, err := s.rows.ReadRows(s.buf)
		if n > 0 {
			rec, berr := s.buildRecord(s.buf[:n])
			if berr != nil {
				return nil, berr
			}
			if errors.Is(err, io.EOF) {
				s.finishGroup()
			}
			return rec, nil
		}
		if errors.Is(err, io.EOF) {
			s.finishGroup()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parquet: read rows: %w", err)
		}
	}
}

func (s *parquetStream) finishGroup() {
	if s.rows != nil {
		_ = s.rows.Close()
		s.rows = nil
	}
}

func (s *parquetStream) buildRecord(rows []parquet.Row) (arrow.Record, error) {
	bldr := array.NewRecordBuilder(s.mem, s.schema)
	defer bldr.Release()

	for _, row := range rows {
		for i, leaf := range s.colIdx {
			if leaf >= len(row) {
				return nil, fmt.Errorf("parquet: row has %d values, wanted leaf %d", len(row), leaf)
			}
			field := s.schema.Field(i)
			if err := colbuild.AppendParquet(bldr.Field(i), field, row[leaf]); err != nil {
				return nil, fmt.Errorf("parquet: %w", err)
			}
		}
	}
	return bldr.NewRecord(), nil
}

func (s *parquetStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.finishGroup()
	return s.ra.Close()
}

var _ FormatReader = (*ParquetReader)(nil)
