package problems

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// minioObjectStore adapts *minio.Client to ObjectStore, grounded on
// batch/objstore/objstore.go's MinioObjStore.
type minioObjectStore struct {
	client *minio.Client
}

// NewMinioMirror wraps a *minio.Client as the problem store's remote
// fallback.
func NewMinioMirror(client *minio.Client) ObjectStore {
	return &minioObjectStore{client: client}
}

func (s *minioObjectStore) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, obj, minio.GetObjectOptions{})
}
