package strata

import (
	"fmt"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/arrow/scalar"
)

// colSource says where one projected output column comes from: a column of
// the decoded batch, or a constant built from a partition value.
type colSource struct {
	partition bool
	index     int // batch column index, or index into the partition-value vector
}

// partitionProjector widens decoded batches with constant partition columns
// so every emitted batch carries the projected schema.
//
// The projector is built once per stream from the projected schema and the
// partition-column fields, and is reused for every batch of every file. It
// is a pure function of (batch, partition values).
type partitionProjector struct {
	schema  *arrow.Schema
	sources []colSource
	numFile int // expected column count of incoming batches
	mem     memory.Allocator
}

// newPartitionProjector maps each projected field to its source. Projected
// fields whose names match a partition field draw from the partition-value
// vector; all others are taken, in order, from the decoded batch.
func newPartitionProjector(projected *arrow.Schema, partitionFields []arrow.Field, mem memory.Allocator) *partitionProjector {
	partIdx := make(map[string]int, len(partitionFields))
	for i, f := range partitionFields {
		partIdx[f.Name] = i
	}

	sources := make([]colSource, 0, len(projected.Fields()))
	numFile := 0
	for _, f := range projected.Fields() {
		if i, ok := partIdx[f.Name]; ok {
			sources = append(sources, colSource{partition: true, index: i})
			continue
		}
		sources = append(sources, colSource{index: numFile})
		numFile++
	}

	return &partitionProjector{
		schema:  projected,
		sources: sources,
		numFile: numFile,
		mem:     mem,
	}
}

// project consumes rec and returns a batch with the projected schema.
// On success the input record's reference is transferred; on error the
// caller still owns rec.
//
// Batches that diverge from the expected file columns (count, name, or type)
// are rejected rather than reinterpreted.
func (p *partitionProjector) project(rec arrow.Record, values []scalar.Scalar) (arrow.Record, error) {
	if int64(p.numFile) != rec.NumCols() {
		return nil, fmt.Errorf("batch has %d columns, scan expects %d file columns", rec.NumCols(), p.numFile)
	}

	cols := make([]arrow.Array, len(p.sources))
	// Partition arrays are created here and released after NewRecord takes
	// its own references.
	var created []arrow.Array
	release := func() {
		for _, a := range created {
			a.Release()
		}
	}

	for i, src := range p.sources {
		field := p.schema.Field(i)

		if !src.partition {
			col := rec.Column(src.index)
			batchField := rec.Schema().Field(src.index)
			if batchField.Name != field.Name {
				release()
				return nil, fmt.Errorf("batch column %d is %q, scan expects %q", src.index, batchField.Name, field.Name)
			}
			if !arrow.TypeEqual(col.DataType(), field.Type) {
				release()
				return nil, fmt.Errorf("batch column %q has type %s, scan expects %s", field.Name, col.DataType(), field.Type)
			}
			cols[i] = col
			continue
		}

		if src.index >= len(values) {
			release()
			return nil, fmt.Errorf("file has %d partition values, scan expects at least %d", len(values), src.index+1)
		}
		val := values[src.index]
		if !arrow.TypeEqual(val.DataType(), field.Type) {
			release()
			return nil, fmt.Errorf("partition value for %q has type %s, scan expects %s", field.Name, val.DataType(), field.Type)
		}
		arr, err := scalar.MakeArrayFromScalar(val, int(rec.NumRows()), p.mem)
		if err != nil {
			release()
			return nil, fmt.Errorf("building partition column %q: %w", field.Name, err)
		}
		created = append(created, arr)
		cols[i] = arr
	}

	out := array.NewRecord(p.schema, cols, rec.NumRows())
	release()
	rec.Release()
	return out, nil
}
