package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSStore keeps values in a JetStream key/value bucket.
type NATSStore struct {
	kv      nats.KeyValue
	conn    *nats.Conn
	ownConn bool
}

// NewNATSStore binds to bucket on an existing connection, creating the
// bucket when it does not exist. The caller keeps ownership of nc.
func NewNATSStore(nc *nats.Conn, bucket string) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if bucket == "" {
		bucket = "preventd"
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "preventd engine state",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind key/value bucket %s: %w", bucket, err)
	}

	return &NATSStore{kv: kv, conn: nc}, nil
}

// DialNATSStore connects to url and binds to bucket. Close also closes the connection.
func DialNATSStore(url, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("preventd-kvstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s, err := NewNATSStore(nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownConn = true
	return s, nil
}

// Load reads the latest revision of key.
func (s *NATSStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Save puts a new revision of key.
func (s *NATSStore) Save(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(key, value); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close closes the connection when the store dialed it.
func (s *NATSStore) Close() error {
	if s.ownConn {
		s.conn.Close()
	}
	return nil
}
