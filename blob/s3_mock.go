package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3API implementation for testing.
type MockS3Client struct {
	mu sync.Mutex

	// Objects stores object content by key
	Objects map[string]*MockS3Object
	// Buckets stores the set of existing buckets
	Buckets map[string]bool
	// Err, when set, is returned from every operation
	Err error

	// Track function calls
	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	GetObjectCalled    bool
	HeadObjectCalled   bool
	DeleteObjectCalled bool

	// Last call parameters
	LastBucket string
	LastKey    string
}

// MockS3Object is one stored object.
type MockS3Object struct {
	Key         string
	Content     []byte
	ContentType string
}

// NewMockS3Client creates an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks bucket existence checks.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// CreateBucket mocks bucket creation.
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks object upload.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	var content []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = data
	}

	if params.Key != nil {
		obj := &MockS3Object{Key: *params.Key, Content: content}
		if params.ContentType != nil {
			obj.ContentType = *params.ContentType
		}
		m.Objects[*params.Key] = obj
	}

	return &s3.PutObjectOutput{}, nil
}

// GetObject mocks object retrieval.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetObjectCalled = true
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, ok := m.Objects[*params.Key]; ok {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(bytes.NewReader(obj.Content)),
				ContentLength: aws.Int64(int64(len(obj.Content))),
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// HeadObject mocks object metadata lookup.
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HeadObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, ok := m.Objects[*params.Key]; ok {
			return &s3.HeadObjectOutput{
				ContentLength: aws.Int64(int64(len(obj.Content))),
			}, nil
		}
	}
	return nil, &types.NotFound{}
}

// DeleteObject mocks object removal. Like real S3, deleting a missing key
// succeeds.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteObjectCalled = true
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		delete(m.Objects, *params.Key)
	}
	return &s3.DeleteObjectOutput{}, nil
}
