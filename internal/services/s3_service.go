package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/logging"
	"github.com/thw/backend/internal/config"
)

// S3Service mirrors committed images into an S3 compatible bucket and can
// restore missing local files from it.
type S3Service struct {
	mediaClient *s3.Client
	bucket      string
	cfg         *config.Config
	log         *slog.Logger
}

func NewS3Service(cfg *config.Config, log *slog.Logger) (*S3Service, error) {
	media, err := buildClient(cfg.MediaS3Endpoint, cfg.MediaS3Region, cfg.MediaS3AccessKeyID, cfg.MediaS3SecretAccessKey, cfg.MediaS3UsePathStyle)
	if err != nil {
		return nil, err
	}
	return &S3Service{mediaClient: media, bucket: cfg.MediaImagesBucket, cfg: cfg, log: log}, nil
}

func buildClient(endpoint, region, key, secret string, pathStyle bool) (*s3.Client, error) {
	resolver := awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
		func(service, rgn string, options ...interface{}) (aws.Endpoint, error) {
			if endpoint != "" {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		}))
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")),
		resolver,
		awsconfig.WithLogger(logging.NewStandardLogger(os.Stderr)),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	return client, nil
}

// PutAsset uploads the committed file at localPath under key ref.
func (s *S3Service) PutAsset(ctx context.Context, ref, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	uploader := manager.NewUploader(s.mediaClient)
	in := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &ref,
		Body:        f,
		ContentType: &contentType,
		ACL:         s3types.ObjectCannedACLPrivate,
	}
	_, err = uploader.Upload(ctx, in, func(u *manager.Uploader) { u.PartSize = 10 * 1024 * 1024 })
	return err
}

// DeleteAsset removes the mirrored copy of ref.
func (s *S3Service) DeleteAsset(ctx context.Context, ref string) error {
	_, err := s.mediaClient.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &ref,
	})
	return err
}

// ListAssetKeys lists mirrored keys with prefix.
func (s *S3Service) ListAssetKeys(ctx context.Context, prefix string, max int32) ([]string, error) {
	keys := []string{}
	var token *string
	for {
		out, err := s.mediaClient.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
			MaxKeys:           aws.Int32(max),
		})
		if err != nil {
			return nil, err
		}
		for _, o := range out.Contents {
			keys = append(keys, *o.Key)
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	return keys, nil
}

// downloadToFile fetches key into destPath through a .part file so a failed
// download never leaves a truncated asset behind.
func (s *S3Service) downloadToFile(ctx context.Context, key, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	downloader := manager.NewDownloader(s.mediaClient)
	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destPath)
}

// SyncMissing restores assets that exist in the bucket but not on local disk.
// It returns the number of restored files.
func (s *S3Service) SyncMissing(ctx context.Context, store *StorageService) (int, error) {
	keys, err := s.ListAssetKeys(ctx, UploadsPrefix+"/", 1000)
	if err != nil {
		return 0, fmt.Errorf("list mirrored assets: %w", err)
	}
	restored := 0
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		dest, err := store.ResolvePath(key)
		if err != nil {
			s.log.Warn("skipping mirrored key", "key", key, "error", err)
			continue
		}
		if _, err := os.Stat(dest); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return restored, err
		}
		if err := s.downloadToFile(ctx, key, dest); err != nil {
			s.log.Error("failed to restore asset", "key", key, "error", err)
			continue
		}
		restored++
	}
	s.log.Info("media sync finished", "bucket", s.bucket, "checked", len(keys), "restored", restored)
	return restored, nil
}
