package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"traffic-eye/internal/config"
)

var ErrNotConfigured = errors.New("r2 storage is not configured")

// ObjectPutter is the subset of the S3 client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type R2Client struct {
	client        ObjectPutter
	bucket        string
	endpoint      string
	publicBaseURL string
}

func NewR2Client(cfg config.R2Config) (*R2Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := strings.TrimSpace(cfg.SecretAccessKey)
	bucket := strings.TrimSpace(cfg.Bucket)

	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, ErrNotConfigured
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg := aws.Config{
		Region:                      "auto",
		Credentials:                 credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		EndpointResolverWithOptions: resolver,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return newR2Client(client, bucket, endpoint, cfg.PublicBaseURL), nil
}

func newR2Client(client ObjectPutter, bucket, endpoint, publicBaseURL string) *R2Client {
	return &R2Client{
		client:        client,
		bucket:        bucket,
		endpoint:      strings.TrimRight(endpoint, "/"),
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

func (r *R2Client) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if r == nil || r.client == nil {
		return "", ErrNotConfigured
	}
	if size <= 0 {
		return "", fmt.Errorf("empty file")
	}
	input := &s3.PutObjectInput{
		Bucket:        &r.bucket,
		Key:           &key,
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}
	if _, err := r.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("r2 upload failed: %w", err)
	}
	return r.objectURL(key), nil
}

// ArchiveFile uploads a local evidence file under <violation_id>/<filename>.
func (r *R2Client) ArchiveFile(ctx context.Context, violationID, filePath string) (string, error) {
	if r == nil || r.client == nil {
		return "", ErrNotConfigured
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open evidence file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat evidence file: %w", err)
	}

	name := filepath.Base(filePath)
	key := path.Join(violationID, name)
	return r.Upload(ctx, key, f, info.Size(), contentTypeFor(name))
}

func (r *R2Client) objectURL(key string) string {
	trimmedKey := strings.TrimLeft(key, "/")
	if r.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", r.publicBaseURL, r.bucket, trimmedKey)
	}
	return fmt.Sprintf("%s/%s/%s", r.endpoint, r.bucket, trimmedKey)
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
