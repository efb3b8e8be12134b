package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive writes compacted document snapshots to S3-compatible object
// storage. Optional: a nil *Archive disables archival.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to the object store and ensures the bucket exists.
func NewArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Archive{client: client, bucket: bucket}, nil
}

// Put stores one snapshot under <docID>/<unix-timestamp>.snap.
func (a *Archive) Put(ctx context.Context, docID string, takenAt time.Time, snapshot []byte) error {
	object := fmt.Sprintf("%s/%d.snap", docID, takenAt.Unix())
	_, err := a.client.PutObject(ctx, a.bucket, object,
		bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", object, err)
	}
	return nil
}
