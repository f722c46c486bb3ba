package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Shipper moves a finished archive to its backup destination and returns
// where it ended up.
type Shipper interface {
	Ship(ctx context.Context, srcPath, name string) (string, error)
}

// LocalShipper copies archives into a directory tree.
type LocalShipper struct {
	Dir string
}

func (s *LocalShipper) Ship(_ context.Context, srcPath, name string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	dest := filepath.Join(s.Dir, name)

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	return dest, nil
}

// S3Shipper uploads archives under a key prefix in one S3 bucket.
type S3Shipper struct {
	client *s3.Client
	bucket string
	folder string
}

// S3Options carries the credentials and placement for object storage.
type S3Options struct {
	Bucket          string
	Folder          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func NewS3Shipper(ctx context.Context, opts S3Options) (*S3Shipper, error) {
	loaders := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &S3Shipper{
		client: s3.NewFromConfig(cfg),
		bucket: opts.Bucket,
		folder: opts.Folder,
	}, nil
}

func (s *S3Shipper) Ship(ctx context.Context, srcPath, name string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	defer f.Close()

	key := path.Join(s.folder, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("ship %s: %w", name, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
