//go:build integration

package archive

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/creditd/pkg/storage"
)

// setupMinIO starts MinIO and returns a store for a fresh bucket
func setupMinIO(t *testing.T) *S3Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start MinIO container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	store, err := NewS3Store(ctx, storage.Config{
		S3Endpoint:     "http://" + host + ":" + port.Port(),
		S3AccessKey:    "minioadmin",
		S3SecretKey:    "minioadmin",
		S3Bucket:       "creditd-statements",
		S3Region:       "us-east-1",
		S3UsePathStyle: true,
	})
	require.NoError(t, err)
	return store
}

func TestIntegration_ArchiveToMinIO(t *testing.T) {
	store := setupMinIO(t)
	ctx := context.Background()
	require.NoError(t, store.HealthCheck(ctx))

	txns, period := closePeriod(t)
	key, err := NewArchiver(txns, store, nil, "", nil).Archive(ctx, period)
	require.NoError(t, err)

	out, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	require.NoError(t, err)
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(body)), "\n"), 4)
	assert.NotEmpty(t, out.Metadata["checksum-sha256"])
	assert.Equal(t, "org-1", out.Metadata["organization-id"])
}
