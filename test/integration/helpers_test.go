//go:build integration

package integration

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/medallion/medallion/internal/config"
)

func mongoURI(t *testing.T) string {
	t.Helper()
	return envOrDefault("MEDALLION_TEST_MONGO_URI", "mongodb://localhost:37017/?directConnection=true")
}

func mongoDatabase(t *testing.T) string {
	t.Helper()
	return envOrDefault("MEDALLION_TEST_MONGO_DATABASE", "medallion_test")
}

func s3Config(t *testing.T) config.ObjectStoreConfig {
	t.Helper()
	return config.ObjectStoreConfig{
		Type:      "s3",
		Endpoint:  envOrDefault("MEDALLION_TEST_S3_ENDPOINT", "http://localhost:9000"),
		Region:    envOrDefault("MEDALLION_TEST_S3_REGION", "us-east-1"),
		AccessKey: envOrDefault("MEDALLION_TEST_S3_ACCESS_KEY", "minioadmin"),
		SecretKey: envOrDefault("MEDALLION_TEST_S3_SECRET_KEY", "minioadmin"),
		PathStyle: true,
	}
}

func skipIfNoMongo(t *testing.T) {
	t.Helper()
	if os.Getenv("MEDALLION_TEST_MONGO_URI") == "" {
		t.Skip("skipping: MEDALLION_TEST_MONGO_URI not set")
	}
}

func skipIfNoS3(t *testing.T) {
	t.Helper()
	if os.Getenv("MEDALLION_TEST_S3_ENDPOINT") == "" {
		t.Skip("skipping: MEDALLION_TEST_S3_ENDPOINT not set")
	}
}

// uniqueName keeps concurrent runs against a shared server apart.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
