package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore using Google Cloud Storage.
type GCSStore struct {
	client    *gcs.Client
	projectID string
}

// NewGCSStore creates a GCS-backed ObjectStore.
// With an empty credentialsFile it uses Application Default Credentials.
func NewGCSStore(ctx context.Context, projectID, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, projectID: projectID}, nil
}

func (s *GCSStore) Put(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, bucket, key, localPath string) error {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs read %s: %w", key, err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("gcs copy %s: %w", key, err)
	}
	return f.Close()
}

func (s *GCSStore) List(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", bucket, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *GCSStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs bucket attrs %s: %w", bucket, err)
	}
	return true, nil
}

func (s *GCSStore) CreateBucket(ctx context.Context, bucket string) error {
	if err := s.client.Bucket(bucket).Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("gcs create bucket %s: %w", bucket, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
