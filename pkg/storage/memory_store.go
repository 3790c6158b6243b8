package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/minio/minio-go/v7"
)

// MemoryObjectClient is an in-memory ObjectClient for tests and local runs
// without an S3 endpoint.
type MemoryObjectClient struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryObjectClient creates an empty MemoryObjectClient.
func NewMemoryObjectClient() *MemoryObjectClient {
	return &MemoryObjectClient{
		buckets: make(map[string]map[string][]byte),
	}
}

// BucketExists reports whether the bucket was created.
func (c *MemoryObjectClient) BucketExists(_ context.Context, bucketName string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.buckets[bucketName]
	return ok, nil
}

// MakeBucket creates an empty bucket.
func (c *MemoryObjectClient) MakeBucket(_ context.Context, bucketName string, _ minio.MakeBucketOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucketName]; !ok {
		c.buckets[bucketName] = make(map[string][]byte)
	}
	return nil
}

// FPutObject copies the file at filePath into memory.
func (c *MemoryObjectClient) FPutObject(_ context.Context, bucketName, objectName, filePath string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets[bucketName]
	if !ok {
		return minio.UploadInfo{}, noSuchBucket(bucketName)
	}
	bucket[objectName] = body
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: int64(len(body))}, nil
}

// FGetObject writes a stored object to filePath.
func (c *MemoryObjectClient) FGetObject(_ context.Context, bucketName, objectName, filePath string, _ minio.GetObjectOptions) error {
	body, err := c.get(bucketName, objectName)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, body, 0o600)
}

// StatObject returns the object size.
func (c *MemoryObjectClient) StatObject(_ context.Context, bucketName, objectName string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	body, err := c.get(bucketName, objectName)
	if err != nil {
		return minio.ObjectInfo{}, err
	}
	return minio.ObjectInfo{Key: objectName, Size: int64(len(body))}, nil
}

// RemoveObject deletes an object. Missing objects are not an error.
func (c *MemoryObjectClient) RemoveObject(_ context.Context, bucketName, objectName string, _ minio.RemoveObjectOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.buckets[bucketName]; ok {
		delete(bucket, objectName)
	}
	return nil
}

// Put stores body directly.
func (c *MemoryObjectClient) Put(bucketName, objectName string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets[bucketName]
	if !ok {
		bucket = make(map[string][]byte)
		c.buckets[bucketName] = bucket
	}
	bucket[objectName] = append([]byte(nil), body...)
}

// Len returns the number of objects in bucketName.
func (c *MemoryObjectClient) Len(bucketName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets[bucketName])
}

func (c *MemoryObjectClient) get(bucketName, objectName string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.buckets[bucketName]
	if !ok {
		return nil, noSuchBucket(bucketName)
	}
	body, ok := bucket[objectName]
	if !ok {
		return nil, minio.ErrorResponse{
			Code:       "NoSuchKey",
			Message:    fmt.Sprintf("object %s/%s not found", bucketName, objectName),
			BucketName: bucketName,
			Key:        objectName,
			StatusCode: http.StatusNotFound,
		}
	}
	return body, nil
}

func noSuchBucket(bucketName string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchBucket",
		Message:    fmt.Sprintf("bucket %s not found", bucketName),
		BucketName: bucketName,
		StatusCode: http.StatusNotFound,
	}
}
