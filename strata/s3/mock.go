package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockS3Client is a test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte
	modTime time.Time

	// Call counters for test assertions.
	GetObjectCalls  int
	HeadObjectCalls int
	ListCalls       int

	// ListPageSize caps keys per ListObjectsV2 page to exercise pagination.
	// Zero means everything in one page.
	ListPageSize int
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
		modTime: time.Now().UTC(),
	}
}

// PutObjectData seeds the mock with an object.
func (m *MockS3Client) PutObjectData(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	// Handle range requests
	if params.Range != nil {
		rangeStr := aws.ToString(params.Range)
		var start, end int64
		_, _ = fmt.Sscanf(rangeStr, "bytes=%d-%d", &start, &end)

		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.HeadObjectCalls++
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(m.modTime),
	}, nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)

	m.mu.Lock()
	m.ListCalls++
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	// Resume after the continuation token, which is the last key of the
	// previous page.
	if tok := aws.ToString(params.ContinuationToken); tok != "" {
		idx := sort.SearchStrings(keys, tok)
		if idx < len(keys) && keys[idx] == tok {
			idx++
		}
		keys = keys[idx:]
	}

	truncated := false
	if m.ListPageSize > 0 && len(keys) > m.ListPageSize {
		keys = keys[:m.ListPageSize]
		truncated = true
	}

	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(truncated),
	}
	m.mu.RLock()
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(m.objects[key]))),
			LastModified: aws.Time(m.modTime),
		})
	}
	m.mu.RUnlock()
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

// smithyAPIError is a minimal smithy.APIError implementation for mock
// error responses.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *smithyAPIError) ErrorCode() string { return e.code }

func (e *smithyAPIError) ErrorMessage() string { return e.message }

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var _ smithy.APIError = (*smithyAPIError)(nil)
var _ API = (*MockS3Client)(nil)
