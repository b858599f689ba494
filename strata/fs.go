package strata

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS implements FS over a local directory.
//
// Keys are slash-separated paths relative to the root. Paths that would
// escape the root are rejected with ErrInvalidKey. Symlink hardening is out
// of scope: a symlink inside the root pointing outside can still be read.
type LocalFS struct {
	root string
}

// NewLocalFS creates a filesystem provider rooted at the given directory.
// The directory must exist.
func NewLocalFS(root string) (*LocalFS, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &LocalFS{root: root}, nil
}

// Root returns the root directory of this provider.
func (f *LocalFS) Root() string {
	return f.root
}

// Open returns a sequential reader over the full object.
func (f *LocalFS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// OpenRange returns a reader over length bytes starting at offset.
func (f *LocalFS) OpenRange(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidKey
	}
	fullPath, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sectionReadCloser{
		r: io.NewSectionReader(file, offset, length),
		c: file,
	}, nil
}

// ReaderAt returns a random-access reader for the object.
func (f *LocalFS) ReaderAt(_ context.Context, key string) (ReaderAtCloser, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// Stat returns metadata for the object.
func (f *LocalFS) Stat(_ context.Context, key string) (ObjectMeta, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return ObjectMeta{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, err
	}
	if info.IsDir() {
		return ObjectMeta{}, ErrNotFound
	}
	return ObjectMeta{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// List returns metadata for all objects under the given prefix, in
// lexicographic key order (filepath.Walk visits in that order).
func (f *LocalFS) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	searchPath, err := f.safePrefix(prefix)
	if err != nil {
		return nil, err
	}

	var objects []ObjectMeta
	err = filepath.Walk(searchPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectMeta{
			Key:          filepath.ToSlash(relPath),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// safePath validates and resolves a key, ensuring it stays within the root.
func (f *LocalFS) safePath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))

	if cleaned == "." || key == "" {
		return "", ErrInvalidKey
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidKey
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}

	return fullPath, nil
}

// safePrefix validates a prefix for listing. Empty prefix lists everything.
func (f *LocalFS) safePrefix(prefix string) (string, error) {
	if prefix == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(prefix))
	if cleaned == "." {
		return f.root, nil
	}
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return filepath.Join(f.root, cleaned), nil
}

// sectionReadCloser pairs a section reader with the file it reads from.
type sectionReadCloser struct {
	r *io.SectionReader
	c io.Closer
}

func (s *sectionReadCloser) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *sectionReadCloser) Close() error {
	return s.c.Close()
}

var _ FS = (*LocalFS)(nil)
