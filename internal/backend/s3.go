package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/errs"
)

const metaChecksum = "sha256"

// objectStore implements Backend over any store speaking the S3 XML API.
// Both the s3 and gcs backends are instances of it; they differ only in
// endpoint, credentials, and storage class.
type objectStore struct {
	client       *minio.Client
	bucket       string
	name         string
	storageClass string
}

// NewS3 builds the s3 backend for any S3-compatible object store.
func NewS3(cfg config.S3Config) (Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSInsecureSkip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
		BucketLookup: func() minio.BucketLookupType {
			if cfg.ForcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, err
	}
	return &objectStore{client: client, bucket: cfg.Bucket, name: "s3"}, nil
}

func (s *objectStore) Name() string { return s.name }

func (s *objectStore) Probe(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.classify(err)
	}
	if !ok {
		return authErr(s.Name(), fmt.Errorf("bucket %s does not exist or is not accessible", s.bucket))
	}
	return nil
}

func (s *objectStore) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, file, info.Size(), minio.PutObjectOptions{
		UserMetadata: metadata,
		StorageClass: s.storageClass,
	})
	if err != nil {
		return "", s.classify(err)
	}
	return key, nil
}

func (s *objectStore) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify(err)
	}
	// GetObject is lazy; surface missing objects and auth failures now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.classify(err)
	}
	return obj, nil
}

func (s *objectStore) Stat(ctx context.Context, location string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, location, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, s.classify(err)
	}
	return ObjectInfo{
		Key:      location,
		Size:     stat.Size,
		Created:  stat.LastModified,
		Checksum: userChecksum(stat.UserMetadata),
	}, nil
}

func (s *objectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ch := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	infos := []ObjectInfo{}
	for obj := range ch {
		if obj.Err != nil {
			return nil, s.classify(obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size, Created: obj.LastModified})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.After(infos[j].Created) })
	return infos, nil
}

func (s *objectStore) Delete(ctx context.Context, location string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, location, minio.RemoveObjectOptions{}); err != nil {
		return s.classify(err)
	}
	return nil
}

// VerifyUpload compares the remote object's size and the digest recorded in
// its user metadata at upload time. The XML API does not recompute a SHA-256
// for us, so a size match plus the round-tripped metadata digest is the gate.
func (s *objectStore) VerifyUpload(ctx context.Context, location, expectedChecksum string, expectedSize int64) error {
	info, err := s.Stat(ctx, location)
	if err != nil {
		return err
	}
	if info.Size != expectedSize {
		return &errs.IntegrityError{
			Key:      location,
			Expected: fmt.Sprintf("size %d", expectedSize),
			Actual:   fmt.Sprintf("size %d", info.Size),
		}
	}
	if info.Checksum != "" && info.Checksum != expectedChecksum {
		return &errs.IntegrityError{Key: location, Expected: expectedChecksum, Actual: info.Checksum}
	}
	return nil
}

func (s *objectStore) classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccountProblem", "AllAccessDisabled":
		return authErr(s.Name(), err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return authErr(s.Name(), err)
	}
	return transientErr(s.Name(), err)
}

func userChecksum(metadata map[string]string) string {
	if v, ok := metadata[metaChecksum]; ok {
		return v
	}
	// minio canonicalizes user metadata keys as HTTP header names.
	if v, ok := metadata["Sha256"]; ok {
		return v
	}
	return ""
}
