package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Destination writes JSONL exports to an S3-compatible bucket. Each export
// lands twice: once at the configured stable key (always the latest export)
// and once under a dated snapshot key next to it, so point-in-time history
// survives the overwrite.
type S3Destination struct {
	client *s3.Client
	bucket string
	key    string

	now func() time.Time
}

// NewS3Destination creates an S3 destination. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Destination{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		key:    key,
		now:    time.Now,
	}, nil
}

// Write uploads the export to the stable key and a dated snapshot key.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	if err := d.put(ctx, d.key, data); err != nil {
		return err
	}
	return d.put(ctx, snapshotKey(d.key, d.now().UTC()), data)
}

func (d *S3Destination) put(ctx context.Context, key string, data []byte) error {
	contentType := "application/x-ndjson"
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

// snapshotKey derives the dated key: "a/events.jsonl" becomes
// "a/snapshots/events-20060102T150405.jsonl".
func snapshotKey(key string, at time.Time) string {
	dir, file := path.Split(key)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return path.Join(dir, "snapshots", fmt.Sprintf("%s-%s%s", base, at.Format("20060102T150405"), ext))
}
