package strata

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocalFS(t *testing.T, files map[string]string) *LocalFS {
	t.Helper()
	root := t.TempDir()
	for key, content := range files {
		p := filepath.Join(root, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fs, err := NewLocalFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestLocalFS_OpenAndStat(t *testing.T) {
	fs := newTestLocalFS(t, map[string]string{"data/a.jsonl": "hello"})

	rc, err := fs.Open(t.Context(), "data/a.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("read %q, want hello", data)
	}

	meta, err := fs.Stat(t.Context(), "data/a.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != 5 || meta.Key != "data/a.jsonl" {
		t.Errorf("meta %+v, want size 5 and the original key", meta)
	}

	if _, err := fs.Open(t.Context(), "data/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := fs.Stat(t.Context(), "data"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat on a directory returned %v, want ErrNotFound", err)
	}
}

func TestLocalFS_OpenRange(t *testing.T) {
	fs := newTestLocalFS(t, map[string]string{"a": "0123456789"})

	tests := []struct {
		offset, length int64
		want           string
	}{
		{0, 4, "0123"},
		{4, 4, "4567"},
		{8, 10, "89"}, // past end: the available bytes
		{10, 4, ""},
	}
	for _, tt := range tests {
		rc, err := fs.OpenRange(t.Context(), "a", tt.offset, tt.length)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != tt.want {
			t.Errorf("range (%d,%d) read %q, want %q", tt.offset, tt.length, data, tt.want)
		}
	}

	if _, err := fs.OpenRange(t.Context(), "a", -1, 4); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("negative offset returned %v, want ErrInvalidKey", err)
	}
}

func TestLocalFS_ReaderAt(t *testing.T) {
	fs := newTestLocalFS(t, map[string]string{"a": "0123456789"})

	ra, err := fs.ReaderAt(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ra.Close() }()

	p := make([]byte, 3)
	if _, err := ra.ReadAt(p, 5); err != nil {
		t.Fatal(err)
	}
	if string(p) != "567" {
		t.Errorf("ReadAt(5) = %q, want 567", p)
	}
}

func TestLocalFS_List(t *testing.T) {
	fs := newTestLocalFS(t, map[string]string{
		"data/a": "1",
		"data/b": "22",
		"other":  "3",
	})

	objects, err := fs.List(t.Context(), "data")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 || objects[0].Key != "data/a" || objects[1].Key != "data/b" {
		t.Fatalf("listed %+v, want data/a and data/b", objects)
	}

	objects, err = fs.List(t.Context(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 0 {
		t.Errorf("listed %d objects under a missing prefix, want 0", len(objects))
	}
}

func TestLocalFS_RejectsEscapingKeys(t *testing.T) {
	fs := newTestLocalFS(t, nil)

	for _, key := range []string{"", ".", "..", "../etc/passwd", "/etc/passwd", "a/../../b"} {
		if _, err := fs.Open(t.Context(), key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: got %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestMemFS_RoundTrip(t *testing.T) {
	fs := NewMemFS()
	fs.Put("data/a", []byte("hello"))
	fs.Put("data/b", []byte("world"))
	fs.Put("other", []byte("x"))

	rc, err := fs.Open(t.Context(), "data/a")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Errorf("read %q, want hello", data)
	}

	meta, err := fs.Stat(t.Context(), "data/b")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != 5 {
		t.Errorf("size %d, want 5", meta.Size)
	}

	if _, err := fs.Open(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	objects, err := fs.List(t.Context(), "data/")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 || objects[0].Key != "data/a" || objects[1].Key != "data/b" {
		t.Fatalf("listed %+v, want data/a and data/b in order", objects)
	}
}

func TestMemFS_OpenRangeClamps(t *testing.T) {
	fs := NewMemFS()
	fs.Put("a", []byte("0123456789"))

	rc, err := fs.OpenRange(t.Context(), "a", 6, 100)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "6789" {
		t.Errorf("read %q, want 6789", data)
	}

	rc, err = fs.OpenRange(t.Context(), "a", 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(rc)
	_ = rc.Close()
	if len(data) != 0 {
		t.Errorf("read %q past end, want empty", data)
	}
}
