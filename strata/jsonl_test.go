package strata

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/klauspost/compress/zstd"
)

func jsonlSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func putJSONL(fs *MemFS, key string, lines ...string) ObjectMeta {
	data := []byte(strings.Join(lines, "\n") + "\n")
	fs.Put(key, data)
	return ObjectMeta{Key: key, Size: int64(len(data))}
}

func drainIDs(t *testing.T, s RecordStream) []int64 {
	t.Helper()
	var ids []int64
	for {
		rec, err := s.Next(t.Context())
		if errors.Is(err, io.EOF) {
			return ids
		}
		if err != nil {
			t.Fatal(err)
		}
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
		rec.Release()
	}
}

func TestJSONLReader_DecodesLines(t *testing.T) {
	fs := NewMemFS()
	meta := putJSONL(fs, "data.jsonl",
		`{"id":1,"name":"alpha"}`,
		`{"id":2,"name":null}`,
		`{"id":3,"extra":true}`,
	)

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	rec, err := s.Next(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Release()

	if rec.NumRows() != 3 {
		t.Fatalf("got %d rows, want 3", rec.NumRows())
	}
	ids := rec.Column(0).(*array.Int64)
	names := rec.Column(1).(*array.String)
	if ids.Value(0) != 1 || names.Value(0) != "alpha" {
		t.Errorf("row 0: (%d, %q), want (1, alpha)", ids.Value(0), names.Value(0))
	}
	// Explicit null and missing key both decode to null.
	if !names.IsNull(1) || !names.IsNull(2) {
		t.Error("rows 1 and 2 should have null names")
	}
	if ids.Value(2) != 3 {
		t.Errorf("row 2 id %d, want 3 (the unknown key is ignored)", ids.Value(2))
	}

	if _, err := s.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last line, got %v", err)
	}
}

func TestJSONLReader_BatchSize(t *testing.T) {
	fs := NewMemFS()
	meta := putJSONL(fs, "data.jsonl",
		`{"id":1}`, `{"id":2}`, `{"id":3}`, `{"id":4}`, `{"id":5}`,
	)

	r, err := NewJSONLReader(jsonlSchema(), WithJSONLBatchSize(2))
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	var counts []int64
	for {
		rec, err := s.Next(t.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		counts = append(counts, rec.NumRows())
		rec.Release()
	}
	if !int64sEqual(counts, []int64{2, 2, 1}) {
		t.Fatalf("batch sizes %v, want [2 2 1]", counts)
	}
}

func TestJSONLReader_SkipsBlankLines(t *testing.T) {
	fs := NewMemFS()
	meta := putJSONL(fs, "data.jsonl", `{"id":1}`, ``, `{"id":2}`)

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if ids := drainIDs(t, s); !int64sEqual(ids, []int64{1, 2}) {
		t.Fatalf("ids %v, want [1 2]", ids)
	}
}

func TestJSONLReader_MalformedLine(t *testing.T) {
	fs := NewMemFS()
	meta := putJSONL(fs, "data.jsonl", `{"id":1}`, `{not json`)

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.Next(t.Context()); err == nil {
		t.Fatal("expected decode error for malformed line")
	}
}

func TestJSONLReader_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"id":1}` + "\n" + `{"id":2}` + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	fs := NewMemFS()
	fs.Put("data.jsonl.gz", buf.Bytes())
	meta := ObjectMeta{Key: "data.jsonl.gz", Size: int64(buf.Len())}

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if ids := drainIDs(t, s); !int64sEqual(ids, []int64{1, 2}) {
		t.Fatalf("ids %v, want [1 2]", ids)
	}
}

func TestJSONLReader_Zstd(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(`{"id":7}` + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	fs := NewMemFS()
	fs.Put("data.jsonl.zst", buf.Bytes())
	meta := ObjectMeta{Key: "data.jsonl.zst", Size: int64(buf.Len())}

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if ids := drainIDs(t, s); !int64sEqual(ids, []int64{7}) {
		t.Fatalf("ids %v, want [7]", ids)
	}
}

func TestJSONLReader_GzipDecodesPastCompressedSize(t *testing.T) {
	// Repetitive lines compress well, so the decompressed stream runs far
	// past the stored object size. Every line must still be decoded.
	var plain bytes.Buffer
	for i := 1; i <= 200; i++ {
		fmt.Fprintf(&plain, `{"id":%d,"name":"aaaaaaaaaaaaaaaaaaaaaaaa"}`+"\n", i)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() >= plain.Len() {
		t.Fatalf("payload did not compress (%d >= %d bytes)", buf.Len(), plain.Len())
	}

	fs := NewMemFS()
	fs.Put("data.jsonl.gz", buf.Bytes())
	meta := ObjectMeta{Key: "data.jsonl.gz", Size: int64(buf.Len())}

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	ids := drainIDs(t, s)
	if len(ids) != 200 {
		t.Fatalf("decoded %d rows, want 200", len(ids))
	}
	if ids[0] != 1 || ids[199] != 200 {
		t.Errorf("ids span [%d, %d], want [1, 200]", ids[0], ids[199])
	}
}

func TestJSONLReader_RangeRejectsCompressed(t *testing.T) {
	fs := NewMemFS()
	fs.Put("data.jsonl.gz", []byte("whatever"))
	meta := ObjectMeta{Key: "data.jsonl.gz", Size: 8}

	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(t.Context(), fs, meta, &FileRange{Start: 0, End: 4}); err == nil {
		t.Fatal("expected error for ranged scan of a compressed object")
	}
}

// rangeIDs opens one byte range of the object and returns the ids it yields.
func rangeIDs(t *testing.T, fs *MemFS, meta ObjectMeta, rng FileRange) []int64 {
	t.Helper()
	r, err := NewJSONLReader(jsonlSchema())
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.Open(t.Context(), fs, meta, &rng)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	return drainIDs(t, s)
}

func TestJSONLReader_RangesPartitionLines(t *testing.T) {
	fs := NewMemFS()
	// Each line is 9 bytes: `{"id":N}` plus the newline.
	meta := putJSONL(fs, "data.jsonl", `{"id":1}`, `{"id":2}`, `{"id":3}`)

	tests := []struct {
		name  string
		split int64
		first []int64
		rest  []int64
	}{
		// A line belongs to the range holding its first byte; the straddled
		// line is completed by its owner.
		{name: "mid-line", split: 4, first: []int64{1}, rest: []int64{2, 3}},
		{name: "on line boundary", split: 9, first: []int64{1}, rest: []int64{2, 3}},
		{name: "on newline", split: 8, first: []int64{1}, rest: []int64{2, 3}},
		{name: "second line", split: 13, first: []int64{1, 2}, rest: []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := rangeIDs(t, fs, meta, FileRange{Start: 0, End: tt.split})
			rest := rangeIDs(t, fs, meta, FileRange{Start: tt.split, End: meta.Size})
			if !int64sEqual(first, tt.first) {
				t.Errorf("first range ids %v, want %v", first, tt.first)
			}
			if !int64sEqual(rest, tt.rest) {
				t.Errorf("second range ids %v, want %v", rest, tt.rest)
			}
		})
	}
}

func TestJSONLReader_RejectsUnsupportedField(t *testing.T) {
	bad := arrow.NewSchema([]arrow.Field{
		{Name: "m", Type: arrow.MapOf(arrow.BinaryTypes.String, arrow.BinaryTypes.String)},
	}, nil)
	if _, err := NewJSONLReader(bad); err == nil {
		t.Fatal("expected error for unsupported field type")
	}
}
