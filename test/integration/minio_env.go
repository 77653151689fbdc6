//go:build integration

package integration

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"dbkp/internal/s3"
)

const minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

// minioOptions returns client options for an S3 endpoint. DBKP_IT_ENDPOINT
// points the tests at an existing server; otherwise a MinIO container is
// started for the test.
func minioOptions(t *testing.T, prefix string) s3.Options {
	t.Helper()
	opts := s3.Options{
		Region:    "us-east-1",
		Bucket:    "dbkp-it",
		Prefix:    prefix,
		PathStyle: true,
		Retry:     s3.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		OpTimeout: time.Minute,
	}
	if endpoint := os.Getenv("DBKP_IT_ENDPOINT"); endpoint != "" {
		opts.Endpoint = strings.TrimSuffix(endpoint, "/")
		opts.AccessKey = envOr("DBKP_IT_ACCESS_KEY", "minioadmin")
		opts.SecretKey = envOr("DBKP_IT_SECRET_KEY", "minioadmin")
		opts.Bucket = envOr("DBKP_IT_BUCKET", opts.Bucket)
		return opts
	}

	ctx := context.Background()
	container, err := minio.Run(ctx, minioImage)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate minio: %v", err)
		}
	})
	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	opts.Endpoint = endpoint
	opts.AccessKey = container.Username
	opts.SecretKey = container.Password
	return opts
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
