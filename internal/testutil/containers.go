// Package testutil starts the database containers used by store and engine
// tests. Each container is started at most once per test binary and left for
// the testcontainers reaper to remove, so every test in the package shares it.
// Tests are skipped when Docker is unavailable.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "flough"
	pgPassword = "flough"
	pgDatabase = "flough_test"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

var postgres, mongo, redis sharedContainer

// get returns host:port of the container, starting it on first use.
func (c *sharedContainer) get(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}
		c.endpoint, c.err = ctr.Endpoint(ctx, "")
		if c.err != nil {
			_ = ctr.Terminate(context.Background())
		}
	})
	if c.err != nil {
		t.Skipf("container %s unavailable: %v", image, c.err)
	}
	return c.endpoint
}

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

// GetPostgresEndpoint returns a pgx DSN for a shared PostgreSQL 16 container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	hostPort := postgres.get(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// The log line appears once during initdb as well, so also
				// check a real query.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return postgresDSN(host + ":" + port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
	)
	return postgresDSN(hostPort)
}

// GetMongoURI returns a connection string for a shared MongoDB 7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return "mongodb://" + mongo.get(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
}

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
}
