package strata

import (
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
)

func wideConfig() *ScanConfig {
	return &ScanConfig{
		FileSchema: arrow.NewSchema([]arrow.Field{
			{Name: "a", Type: arrow.PrimitiveTypes.Int64},
			{Name: "b", Type: arrow.BinaryTypes.String},
		}, nil),
		PartitionFields: []arrow.Field{
			{Name: "day", Type: arrow.BinaryTypes.String},
			{Name: "region", Type: arrow.BinaryTypes.String},
		},
	}
}

func TestScanConfig_ProjectNil(t *testing.T) {
	cfg := wideConfig()
	schema, err := cfg.Project()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a", "b", "day", "region"}
	if len(schema.Fields()) != len(want) {
		t.Fatalf("got %d fields, want %d", len(schema.Fields()), len(want))
	}
	for i, name := range want {
		if schema.Field(i).Name != name {
			t.Errorf("field %d is %q, want %q", i, schema.Field(i).Name, name)
		}
	}
}

func TestScanConfig_ProjectSubsetAndOrder(t *testing.T) {
	cfg := wideConfig()
	cfg.Projection = []int{2, 0} // day, a

	schema, err := cfg.Project()
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Fields()) != 2 || schema.Field(0).Name != "day" || schema.Field(1).Name != "a" {
		t.Fatalf("projected schema %s, want [day, a]", schema)
	}
}

func TestScanConfig_ProjectIndexOutOfRange(t *testing.T) {
	for _, idx := range []int{-1, 4} {
		cfg := wideConfig()
		cfg.Projection = []int{idx}
		if _, err := cfg.Project(); err == nil {
			t.Errorf("projection index %d: expected error", idx)
		}
	}
}

func TestScanConfig_ProjectNilFileSchema(t *testing.T) {
	cfg := &ScanConfig{}
	if _, err := cfg.Project(); err == nil {
		t.Fatal("expected error for nil file schema")
	}
}

func TestScanConfig_PartitionNameCollision(t *testing.T) {
	cfg := wideConfig()
	cfg.PartitionFields = append(cfg.PartitionFields, arrow.Field{
		Name: "a", Type: arrow.BinaryTypes.String,
	})
	if _, err := cfg.Project(); err == nil {
		t.Fatal("expected error for partition column colliding with a file column")
	}
}

func TestScanConfig_ProjectedFileSchema(t *testing.T) {
	cfg := wideConfig()

	// Nil projection keeps every file column.
	schema, err := cfg.ProjectedFileSchema()
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Fields()) != 2 || schema.Field(0).Name != "a" || schema.Field(1).Name != "b" {
		t.Fatalf("file schema %s, want [a, b]", schema)
	}

	// Partition indices are dropped, file indices keep projected order.
	cfg.Projection = []int{3, 1, 0}
	schema, err = cfg.ProjectedFileSchema()
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Fields()) != 2 || schema.Field(0).Name != "b" || schema.Field(1).Name != "a" {
		t.Fatalf("file schema %s, want [b, a]", schema)
	}

	// Partition-only projection leaves no file columns.
	cfg.Projection = []int{2}
	schema, err = cfg.ProjectedFileSchema()
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Fields()) != 0 {
		t.Fatalf("file schema %s, want no fields", schema)
	}
}
