package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "ledger", []byte(`{"a":1}`)))
	got, err := s.Load(ctx, "ledger")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, s.Save(ctx, "ledger", []byte(`{"a":2}`)))
	got, err = s.Load(ctx, "ledger")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))

	assert.ErrorIs(t, s.Save(ctx, "../escape", []byte("x")), ErrInvalidKey)
	_, err = s.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	v, err := s.Load(context.Background(), "ledger")
	require.NoError(t, err)
	v[0] = 'X'
	again, _ := s.Load(context.Background(), "ledger")
	assert.Equal(t, byte('{'), again[0])

	require.NoError(t, s.Close())
	_, err = s.Load(context.Background(), "ledger")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	info, err := os.Stat(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Save(context.Background(), "ledger", nil), ErrClosed)

	_, err = NewFileStore("")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preventd.db")
	s, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "rules", []byte("[]")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	got, err := reopened.Load(context.Background(), "rules")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PREVENTD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PREVENTD_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PREVENTD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PREVENTD_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr, Prefix: "preventd-test:" + t.Name() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisOptions{})
	assert.Error(t, err)
}

// startTestNATSServer starts an embedded JetStream-enabled NATS server.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSStore(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	s, err := NewNATSStore(nc, "preventd_test")
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())
	assert.True(t, nc.IsConnected(), "borrowed connection stays open")

	// Binding again reuses the existing bucket.
	again, err := NewNATSStore(nc, "preventd_test")
	require.NoError(t, err)
	got, err := again.Load(context.Background(), "ledger")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Driver: DriverFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Options{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	server := startTestNATSServer(t)
	s, err = Open(ctx, Options{Driver: DriverNATS, NATSURL: server.ClientURL(), Bucket: "open_test"})
	require.NoError(t, err)
	assert.IsType(t, &NATSStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "cassandra"})
	assert.Error(t, err)
}
