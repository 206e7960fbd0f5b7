package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client on an empty Redis database.
//
// REDIS_URL selects an existing server. Otherwise a redis:7-alpine container
// is started; the test is skipped when Docker is unavailable or -short is set.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("redistest: flush: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	if testing.Short() {
		t.Skip("skipping redis integration test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Fatalf("redistest: start container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redistest: endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}
