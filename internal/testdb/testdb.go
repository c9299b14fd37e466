// Package testdb boots one embedded PostgreSQL per test binary and hands
// each test an isolated database with the migrations applied.
package testdb

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmcore/migrations"
)

const (
	pgUser     = "dmcore_test"
	pgPassword = "dmcore_test"
)

var (
	startOnce sync.Once
	startErr  error
	pgPort    uint32
	seq       int
	seqMu     sync.Mutex
)

func freePort() (uint32, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint32(l.Addr().(*net.TCPAddr).Port), nil
}

func start() {
	port, err := freePort()
	if err != nil {
		startErr = fmt.Errorf("testdb: find free port: %w", err)
		return
	}
	pgPort = port

	base := filepath.Join(os.TempDir(), fmt.Sprintf("dmcore-testdb-%d", os.Getpid()))
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(pgPort).
			Username(pgUser).
			Password(pgPassword).
			Database("postgres").
			DataPath(filepath.Join(base, "data")).
			RuntimePath(filepath.Join(base, "runtime")).
			StartTimeout(60 * time.Second),
	)
	if err := db.Start(); err != nil {
		startErr = fmt.Errorf("testdb: start embedded postgres: %w", err)
		return
	}
	// The instance lives for the whole test binary; the OS reclaims the
	// temp dir. Stopping it per-test would dominate the suite's runtime.
}

// New returns a pool connected to a fresh database with all migrations
// applied. The pool is closed via t.Cleanup.
func New(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in -short mode")
	}

	startOnce.Do(start)
	if startErr != nil {
		t.Fatalf("%v", startErr)
	}

	seqMu.Lock()
	seq++
	dbName := fmt.Sprintf("t%d_%d", os.Getpid(), seq)
	seqMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	adminURL := fmt.Sprintf("postgres://%s:%s@localhost:%d/postgres?sslmode=disable", pgUser, pgPassword, pgPort)
	admin, err := pgxpool.New(ctx, adminURL)
	if err != nil {
		t.Fatalf("testdb: connect admin: %v", err)
	}
	defer admin.Close()
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		t.Fatalf("testdb: create database: %v", err)
	}

	url := fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", pgUser, pgPassword, pgPort, dbName)
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("testdb: connect %s: %v", dbName, err)
	}
	t.Cleanup(pool.Close)

	applyMigrations(t, pool)
	return pool
}

func applyMigrations(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		t.Fatalf("testdb: read migrations: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			t.Fatalf("testdb: read %s: %v", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			t.Fatalf("testdb: apply %s: %v", name, err)
		}
	}
}
