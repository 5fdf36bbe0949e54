package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // COURIER_DATABASE_URL (required)
	NATSURL     string // COURIER_NATS_URL (optional, empty = no broker, local fan-out only)
	HTTPAddr    string // COURIER_HTTP_ADDR (default ":8080")
	GRPCAddr    string // COURIER_GRPC_ADDR (default ":9090")
	AuthToken   string // COURIER_AUTH_TOKEN (optional, empty = auth disabled)

	// Idempotency guard
	IdemTTL    time.Duration // COURIER_IDEM_TTL (default 500ms)
	IdemRoutes string        // COURIER_IDEM_ROUTES (optional TOML file with per-route TTLs)

	// Materializer sweep over written-but-unpublished updates
	SweepInterval time.Duration // COURIER_SWEEP_INTERVAL (default 30s)
	SweepGrace    time.Duration // COURIER_SWEEP_GRACE (default 10s)

	// Dialog read-task worker
	PollInterval time.Duration // COURIER_POLL_INTERVAL (default 1s)
	BatchSize    int           // COURIER_BATCH_SIZE (default 200)
	TaskLease    time.Duration // COURIER_TASK_LEASE (default 5m; 0 = stuck tasks never requeued)

	// Connection registry
	QueueTTL time.Duration // COURIER_QUEUE_TTL (default 1h; idle connection GC)

	// Event archive
	ArchiveInterval   time.Duration // COURIER_ARCHIVE_INTERVAL (0 = disabled)
	ArchiveS3Bucket   string        // COURIER_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // COURIER_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // COURIER_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Key      string        // COURIER_ARCHIVE_S3_KEY (default "courier/events.jsonl")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("COURIER_DATABASE_URL"),
		NATSURL:           os.Getenv("COURIER_NATS_URL"),
		HTTPAddr:          envOrDefault("COURIER_HTTP_ADDR", ":8080"),
		GRPCAddr:          envOrDefault("COURIER_GRPC_ADDR", ":9090"),
		AuthToken:         os.Getenv("COURIER_AUTH_TOKEN"),
		IdemRoutes:        os.Getenv("COURIER_IDEM_ROUTES"),
		ArchiveS3Bucket:   os.Getenv("COURIER_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("COURIER_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("COURIER_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Key:      envOrDefault("COURIER_ARCHIVE_S3_KEY", "courier/events.jsonl"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("COURIER_DATABASE_URL is required")
	}

	var err error
	if c.IdemTTL, err = envDuration("COURIER_IDEM_TTL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = envDuration("COURIER_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.SweepGrace, err = envDuration("COURIER_SWEEP_GRACE", 10*time.Second); err != nil {
		return nil, err
	}
	if c.PollInterval, err = envDuration("COURIER_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if c.TaskLease, err = envDuration("COURIER_TASK_LEASE", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.QueueTTL, err = envDuration("COURIER_QUEUE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = envDuration("COURIER_ARCHIVE_INTERVAL", 0); err != nil {
		return nil, err
	}

	c.BatchSize = 200
	if v := os.Getenv("COURIER_BATCH_SIZE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("COURIER_BATCH_SIZE: invalid value %q", v)
		}
		c.BatchSize = n
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
