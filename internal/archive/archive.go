// Package archive durably copies a completed run's replay log and
// downloaded save file somewhere other than the scratch directory that
// processor.cleanup is about to delete (SPEC_FULL supplement #2a),
// adapted from the teacher's pkg/storage.LogStore Local/S3 pair.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores a run's artifacts by file path and returns a reference
// (a filesystem path or an s3:// URL) that need not resolve back to the
// scratch directory.
type Archiver interface {
	Archive(ctx context.Context, runID string, filePath string) (reference string, err error)
}

// S3Config configures an S3-compatible archival backend.
type S3Config struct {
	Bucket          string
	Prefix          string // e.g. "runs/"
	Region          string
	Endpoint        string // non-empty for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver uploads run artifacts to S3-compatible object storage.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an Archiver backed by S3.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads filePath under <prefix>/<runID>/<basename> and returns
// its s3:// reference.
func (a *S3Archiver) Archive(ctx context.Context, runID string, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read archive source %s: %w", filePath, err)
	}

	key := fmt.Sprintf("%s%s/%s", a.prefix, runID, filepath.Base(filePath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to s3: %w", filePath, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// LocalArchiver copies run artifacts into a durable directory outside
// the processor's scratch space.
type LocalArchiver struct {
	basePath string
}

// NewLocalArchiver builds an Archiver backed by the local filesystem.
func NewLocalArchiver(basePath string) (*LocalArchiver, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalArchiver{basePath: basePath}, nil
}

// Archive copies filePath into <basePath>/<runID>/<basename>.
func (l *LocalArchiver) Archive(ctx context.Context, runID string, filePath string) (string, error) {
	dir := filepath.Join(l.basePath, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive run directory: %w", err)
	}

	src, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open archive source %s: %w", filePath, err)
	}
	defer src.Close()

	dest := filepath.Join(dir, filepath.Base(filePath))
	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create archive destination: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy archive artifact: %w", err)
	}
	return dest, nil
}
