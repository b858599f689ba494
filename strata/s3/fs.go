// Package s3 provides an S3-compatible filesystem provider for strata scans.
//
// The provider supports AWS S3, MinIO, LocalStack, Cloudflare R2, and other
// S3-compatible object stores. Only the read path is modeled: scans consume
// objects, they never write them.
//
//   - Open: GetObject
//   - OpenRange: GetObject with an HTTP Range header (true range reads)
//   - ReaderAt: concurrent-safe random access via per-call range reads
//   - Stat: HeadObject
//   - List: ListObjectsV2 with full pagination
//
// Missing objects map to strata.ErrNotFound across all operations.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/strata/strata"
)

// API defines the subset of the S3 client interface used by the provider.
// This enables testing with mock implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds configuration for the S3 filesystem provider.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash
	// added if missing).
	Prefix string
}

// FS implements strata.FS over an S3-compatible backend.
type FS struct {
	client API
	bucket string
	prefix string
}

// New creates an S3 filesystem provider with the given client and
// configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
func New(client API, cfg Config) (*FS, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &FS{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Open returns a sequential reader over the full object.
func (f *FS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := f.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, strata.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	return out.Body, nil
}

// OpenRange returns a reader over length bytes starting at offset, using an
// HTTP Range request. If the range extends beyond end of object, the
// available bytes are returned.
func (f *FS) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, strata.ErrInvalidKey
	}
	fullKey, err := f.validateKey(key)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}

	// S3 Range header format: "bytes=start-end" (inclusive).
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fullKey),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, strata.ErrNotFound
		}
		// InvalidRange means the offset is past end of object.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, fmt.Errorf("s3: get object range: %w", err)
	}
	return out.Body, nil
}

// ReaderAt returns a concurrent-safe random-access reader backed by range
// reads. The object's existence is verified up front so later ReadAt
// failures are read failures, not open failures.
func (f *FS) ReaderAt(ctx context.Context, key string) (strata.ReaderAtCloser, error) {
	fullKey, err := f.validateKey(key)
	if err != nil {
		return nil, err
	}

	_, err = f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, strata.ErrNotFound
		}
		return nil, fmt.Errorf("s3: head object: %w", err)
	}

	return &readerAt{
		fs:      f,
		key:     fullKey,
		baseCtx: ctx,
	}, nil
}

// Stat returns metadata for the object.
func (f *FS) Stat(ctx context.Context, key string) (strata.ObjectMeta, error) {
	fullKey, err := f.validateKey(key)
	if err != nil {
		return strata.ObjectMeta{}, err
	}

	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return strata.ObjectMeta{}, strata.ErrNotFound
		}
		return strata.ObjectMeta{}, fmt.Errorf("s3: head object: %w", err)
	}

	var modified time.Time
	if out.LastModified != nil {
		modified = *out.LastModified
	}
	return strata.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: modified,
	}, nil
}

// List returns metadata for all objects under the given prefix.
// Pagination is handled automatically; all matching keys are returned.
func (f *FS) List(ctx context.Context, prefix string) ([]strata.ObjectMeta, error) {
	fullPrefix, err := f.validatePrefix(prefix)
	if err != nil {
		return nil, err
	}

	var objects []strata.ObjectMeta
	var continuationToken *string

	for {
		out, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(f.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			var modified time.Time
			if obj.LastModified != nil {
				modified = *obj.LastModified
			}
			objects = append(objects, strata.ObjectMeta{
				// Strip the provider prefix to return relative keys.
				Key:          strings.TrimPrefix(*obj.Key, f.prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: modified,
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return objects, nil
}

// readerAt implements io.ReaderAt using S3 range reads.
// It is safe for concurrent use.
type readerAt struct {
	fs      *FS
	key     string
	baseCtx context.Context
}

// ReadAt implements io.ReaderAt.
func (r *readerAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("s3: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)

	out, err := r.fs.client.GetObject(r.baseCtx, &s3.GetObjectInput{
		Bucket: aws.String(r.fs.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		// InvalidRange means the offset is beyond EOF.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err = io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Short read at end of object.
		return n, io.EOF
	}
	return n, err
}

// Close implements io.Closer. The reader holds no resources between calls.
func (r *readerAt) Close() error { return nil }

// validateKey validates a key and returns it with the provider prefix.
func (f *FS) validateKey(key string) (string, error) {
	if key == "" {
		return "", strata.ErrInvalidKey
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", strata.ErrInvalidKey
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", strata.ErrInvalidKey
	}

	return f.prefix + cleaned, nil
}

// validatePrefix validates and returns the full prefix for list operations.
func (f *FS) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return f.prefix, nil
	}

	cleaned := path.Clean(prefix)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", strata.ErrInvalidKey
	}
	if cleaned == "." {
		return f.prefix, nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")

	return f.prefix + cleaned, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

var _ strata.FS = (*FS)(nil)
