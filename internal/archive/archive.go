// Package archive writes pruned jobs as NDJSON to S3 or a local directory before
// the housekeeper deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dinner-queue/internal/models"
)

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver batches jobs into NDJSON objects keyed by date and id range.
type Archiver struct {
	up  Uploader
	now func() time.Time
}

// New wraps an uploader.
func New(up Uploader) *Archiver {
	return &Archiver{up: up, now: time.Now}
}

// Archive uploads jobs as one object and returns its location. An empty batch
// uploads nothing.
func (a *Archiver) Archive(ctx context.Context, jobs []models.Job) (string, error) {
	if len(jobs) == 0 {
		return "", nil
	}
	body, err := EncodeNDJSON(jobs)
	if err != nil {
		return "", err
	}
	day := a.now().UTC().Format("2006/01/02")
	key := fmt.Sprintf("jobs/%s/%d-%d.ndjson", day, jobs[0].ID, jobs[len(jobs)-1].ID)
	return a.up.Upload(ctx, key, body, "application/x-ndjson")
}

// EncodeNDJSON renders one JSON document per line.
func EncodeNDJSON(jobs []models.Job) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			return nil, fmt.Errorf("encode job %d: %w", j.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// S3Config selects the bucket; Endpoint and PathStyle target MinIO or LocalStack.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Uploader loads the default AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = strings.TrimPrefix(filepath.Clean("/"+key), "/")
	path := filepath.Join(l.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
