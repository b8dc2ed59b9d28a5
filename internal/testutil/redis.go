package testutil

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisContainer = &container{
	name: "redis",
	start: func(ctx context.Context) (string, error) {
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			return "", err
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			return "", err
		}
		return "redis://" + endpoint, nil
	},
}

// Redis returns a client and a key prefix unique to the test. Keys under
// the prefix are deleted and the client closed when the test ends.
func Redis(t *testing.T) (*redis.Client, string) {
	t.Helper()

	opts, err := redis.ParseURL(target(t, "REDIS_URL", redisContainer))
	if err != nil {
		t.Fatalf("testutil: parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("testutil: connect to redis: %v", err)
	}

	prefix := "chatshield:test:" + sanitize(t.Name()) + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return client, prefix
}

// sanitize keeps test names usable inside a key and glob pattern.
func sanitize(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch c {
		case '*', '?', '[', ']', '\\', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
