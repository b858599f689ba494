package strata

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/scalar"
)

// -----------------------------------------------------------------------------
// File descriptors
// -----------------------------------------------------------------------------

// ObjectMeta describes a stored object well enough for a format reader to
// locate and size its bytes.
type ObjectMeta struct {
	// Key is the object's storage key.
	Key string

	// Size is the object size in bytes.
	Size int64

	// LastModified records the object's modification time, when known.
	LastModified time.Time
}

// FileRange restricts a scan to the half-open byte range [Start, End).
//
// How the range maps to rows is format-specific: Parquet selects whole row
// groups by byte midpoint, line formats own every line whose first byte
// falls inside the range.
type FileRange struct {
	Start int64
	End   int64
}

// PartitionedFile is one input file of a scan together with the constant
// partition-column values derived for it from external metadata.
//
// PartitionValues corresponds positionally to ScanConfig.PartitionFields.
type PartitionedFile struct {
	// Meta locates the object.
	Meta ObjectMeta

	// Range optionally restricts the scan to a byte range of the object.
	Range *FileRange

	// PartitionValues holds one scalar per partition column.
	PartitionValues []scalar.Scalar
}

// -----------------------------------------------------------------------------
// Scan configuration
// -----------------------------------------------------------------------------

// ScanConfig describes a whole scan: what the files look like, which columns
// survive, how files are grouped across parallel partitions, and an optional
// global row limit.
//
// A ScanConfig is input only; FileStream snapshots what it needs at
// construction and never mutates the config.
type ScanConfig struct {
	// FileSchema is the schema of the file contents, excluding partition
	// columns.
	FileSchema *arrow.Schema

	// PartitionFields describes the partition columns, in order. Partition
	// values on every PartitionedFile must match these fields positionally.
	PartitionFields []arrow.Field

	// Projection selects, by index into the combined schema (file fields
	// followed by partition fields), the columns that survive to the output.
	// A nil projection keeps every column.
	Projection []int

	// FileGroups assigns files to parallel scan partitions. Each group is
	// consumed front to back by one FileStream.
	FileGroups [][]PartitionedFile

	// Limit is the maximum total number of rows the scan may emit, or nil
	// for no limit.
	Limit *int64
}

// Project returns the output schema: the projection applied to the union of
// file fields and partition fields.
func (c *ScanConfig) Project() (*arrow.Schema, error) {
	combined, err := c.combinedFields()
	if err != nil {
		return nil, err
	}
	if c.Projection == nil {
		return arrow.NewSchema(combined, nil), nil
	}

	fields := make([]arrow.Field, 0, len(c.Projection))
	for _, idx := range c.Projection {
		if idx < 0 || idx >= len(combined) {
			return nil, fmt.Errorf("strata: projection index %d out of range [0, %d)", idx, len(combined))
		}
		fields = append(fields, combined[idx])
	}
	return arrow.NewSchema(fields, nil), nil
}

// ProjectedFileSchema returns the file columns that survive projection, in
// projected order. This is the schema a FormatReader should be configured
// with so sub-streams yield exactly the file columns the scan wants.
func (c *ScanConfig) ProjectedFileSchema() (*arrow.Schema, error) {
	combined, err := c.combinedFields()
	if err != nil {
		return nil, err
	}

	numFile := len(c.FileSchema.Fields())
	var fields []arrow.Field
	if c.Projection == nil {
		fields = combined[:numFile]
	} else {
		for _, idx := range c.Projection {
			if idx < 0 || idx >= len(combined) {
				return nil, fmt.Errorf("strata: projection index %d out of range [0, %d)", idx, len(combined))
			}
			if idx < numFile {
				fields = append(fields, combined[idx])
			}
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// combinedFields returns file fields followed by partition fields, checking
// for name collisions between the two.
func (c *ScanConfig) combinedFields() ([]arrow.Field, error) {
	if c.FileSchema == nil {
		return nil, errors.New("strata: file schema is required")
	}

	fileFields := c.FileSchema.Fields()
	fileNames := make(map[string]bool, len(fileFields))
	combined := make([]arrow.Field, 0, len(fileFields)+len(c.PartitionFields))
	for _, f := range fileFields {
		fileNames[f.Name] = true
		combined = append(combined, f)
	}
	for _, f := range c.PartitionFields {
		if fileNames[f.Name] {
			return nil, fmt.Errorf("strata: partition column %q collides with a file column", f.Name)
		}
		combined = append(combined, f)
	}
	return combined, nil
}
