// Package archive writes a JSON transcript of every finished Run to a local
// directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"company-intel/internal/config"
	"company-intel/internal/models"
	"company-intel/internal/result"
)

// Transcript is the archived record of one Run.
type Transcript struct {
	RunID      string               `json:"run_id"`
	TenantID   string               `json:"tenant_id"`
	ThreadKey  string               `json:"thread_key"`
	Status     models.RunStatus     `json:"status"`
	Job        models.EnrichmentJob `json:"job"`
	Results    []result.Result      `json:"results"`
	Provider   string               `json:"provider,omitempty"`
	Model      string               `json:"model,omitempty"`
	Response   string               `json:"response"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Key is the object key a transcript is stored under.
func (t Transcript) Key() string {
	day := t.FinishedAt.UTC().Format("2006/01/02")
	return sanitizeKey(fmt.Sprintf("%s/%s/%s.json", t.TenantID, day, t.RunID))
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver stores transcripts. A nil *Archiver is valid and stores nothing.
type Archiver struct {
	up uploader
}

// New picks S3 when ARCHIVE_S3_BUCKET is set, then ARCHIVE_DIR. It returns nil
// when neither is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives into baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: baseDir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive stores t and returns its location.
func (a *Archiver) Archive(ctx context.Context, t Transcript) (string, error) {
	if a == nil || a.up == nil {
		return "", nil
	}
	if t.RunID == "" || t.TenantID == "" {
		return "", errors.New("archive: transcript needs run and tenant ids")
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}
	loc, err := a.up.Upload(ctx, t.Key(), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload transcript: %w", err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
