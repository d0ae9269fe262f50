package forensic

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/aegisproxy/backend/internal/config"
)

// Uploader puts one export payload into write-once storage and returns
// the storage URL recorded in immutable_exports.
type Uploader interface {
	Upload(ctx context.Context, filename string, payload []byte, batchHash string) (string, error)
}

// NewUploaderFromConfig selects the storage backend. Anything other
// than s3 or local falls back to dry-run, which keeps nothing.
func NewUploaderFromConfig(ctx context.Context, cfg config.ForensicConfig) (Uploader, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Uploader(ctx, cfg)
	case "local":
		return NewLocalUploader(cfg.LocalPath), nil
	default:
		return NewDryRunUploader(), nil
	}
}

// S3Uploader writes exports under Object Lock COMPLIANCE mode. Objects
// cannot be deleted until the retention date passes, root included.
type S3Uploader struct {
	client        *s3.Client
	bucket        string
	prefix        string
	retentionDays int
	logger        *log.Logger
	now           func() time.Time
}

func NewS3Uploader(ctx context.Context, cfg config.ForensicConfig) (*S3Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("forensic s3 backend needs FORENSIC_S3_BUCKET")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			// Custom endpoints are MinIO or LocalStack, which want
			// path-style addressing.
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := cfg.S3Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Uploader{
		client:        client,
		bucket:        cfg.S3Bucket,
		prefix:        prefix,
		retentionDays: cfg.RetentionDays,
		logger:        log.New(log.Writer(), "[Forensic] ", log.LstdFlags),
		now:           time.Now,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, filename string, payload []byte, batchHash string) (string, error) {
	key := u.prefix + filename
	retainUntil := u.now().UTC().AddDate(0, 0, u.retentionDays)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                    aws.String(u.bucket),
		Key:                       aws.String(key),
		Body:                      bytes.NewReader(payload),
		ContentType:               aws.String("application/json"),
		ObjectLockMode:            s3types.ObjectLockModeCompliance,
		ObjectLockRetainUntilDate: aws.Time(retainUntil),
		Metadata: map[string]string{
			"batch-hash":  batchHash,
			"exported-by": "aegis-forensic-export",
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}

	path := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	u.logger.Printf("☁️ Uploaded %s (retained until %s)", path, retainUntil.Format("2006-01-02"))
	return path, nil
}

// LocalUploader writes exports to a directory. Dev and test use only;
// a filesystem offers none of Object Lock's guarantees.
type LocalUploader struct {
	dir    string
	logger *log.Logger
}

func NewLocalUploader(dir string) *LocalUploader {
	return &LocalUploader{
		dir:    dir,
		logger: log.New(log.Writer(), "[Forensic] ", log.LstdFlags),
	}
}

func (u *LocalUploader) Upload(ctx context.Context, filename string, payload []byte, batchHash string) (string, error) {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(u.dir, filename)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	u.logger.Printf("💾 Wrote %s (%d bytes)", path, len(payload))
	return "file://" + path, nil
}

// DryRunUploader discards the payload. It exists so export plumbing
// can be exercised before a real backend is configured.
type DryRunUploader struct {
	logger *log.Logger
}

func NewDryRunUploader() *DryRunUploader {
	return &DryRunUploader{logger: log.New(log.Writer(), "[Forensic] ", log.LstdFlags)}
}

func (u *DryRunUploader) Upload(ctx context.Context, filename string, payload []byte, batchHash string) (string, error) {
	u.logger.Printf("⚠️ Dry-run backend: %s (%d bytes) was NOT persisted", filename, len(payload))
	return "dry-run://" + filename, nil
}
