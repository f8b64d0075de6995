package kvstore

import (
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNATS     = "nats"
)

// Options selects and configures an adapter.
type Options struct {
	Driver string
	// Path is the directory for "file" and the database path for "sqlite".
	Path string
	// DSN is the PostgreSQL connection URL.
	DSN   string
	Redis RedisOptions
	// NATSURL and Bucket configure the JetStream key/value adapter.
	NATSURL string
	Bucket  string
}

// Open constructs the adapter named by opts.Driver. An empty driver means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(opts.Path)
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	case DriverRedis:
		return NewRedisStore(ctx, opts.Redis)
	case DriverNATS:
		return DialNATSStore(opts.NATSURL, opts.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
