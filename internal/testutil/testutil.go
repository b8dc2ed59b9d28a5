// Package testutil starts the backing stores integration tests run against.
//
// Each helper prefers an explicit URL from the environment (POSTGRES_URL,
// REDIS_URL). Without one, TESTCONTAINERS=1 starts a throwaway container
// shared by the whole test binary; otherwise the test is skipped.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

const containerStartTimeout = 2 * time.Minute

// target resolves the store URL for a test: envVar if set, else c's
// container URL, else a skip.
func target(t *testing.T, envVar string, c *container) string {
	t.Helper()

	if url := os.Getenv(envVar); url != "" {
		return url
	}
	if os.Getenv("TESTCONTAINERS") != "1" {
		t.Skipf("%s not set and TESTCONTAINERS!=1, skipping integration test", envVar)
	}
	url, err := c.url()
	if err != nil {
		t.Fatalf("testutil: start %s container: %v", c.name, err)
	}
	return url
}

// container lazily starts one container per test binary. The testcontainers
// reaper removes it when the binary exits.
type container struct {
	name  string
	start func(ctx context.Context) (string, error)

	once sync.Once
	dsn  string
	err  error
}

func (c *container) url() (string, error) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), containerStartTimeout)
		defer cancel()
		c.dsn, c.err = c.start(ctx)
	})
	return c.dsn, c.err
}
