package backend

import (
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ubackup/ubackup/internal/config"
)

const gcsEndpoint = "storage.googleapis.com"

// NewGCS builds the gcs backend. Google Cloud Storage is reached through its
// S3-interoperable XML API with HMAC credentials; the interop endpoint signs
// with V2.
func NewGCS(cfg config.GCSConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("gcs access_key and secret_key (HMAC) are required")
	}
	client, err := minio.New(gcsEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV2(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, err
	}
	return &objectStore{
		client:       client,
		bucket:       cfg.Bucket,
		name:         "gcs",
		storageClass: cfg.StorageClass,
	}, nil
}
