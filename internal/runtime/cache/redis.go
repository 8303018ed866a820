package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/escrowcache/internal/escrow"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

type redisStore struct {
	client    valkey.Client
	namespace string
}

// NewRedis connects a valkey-backed Store. Entries carry no server-side
// expiry: staleness is decided by the viability cache, and entries must
// survive process restarts.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &redisStore{client: client, namespace: namespace}, nil
}

func (s *redisStore) Load(ctx context.Context, acct escrow.AccountContext) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(entryKey(s.namespace, acct)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return EmptyEntry(), false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return normalize(entry), true, nil
}

func (s *redisStore) Save(ctx context.Context, acct escrow.AccountContext, entry Entry) error {
	payload, err := json.Marshal(normalize(entry))
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(entryKey(s.namespace, acct)).Value(valkey.BinaryString(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Reset(ctx context.Context, acct escrow.AccountContext) error {
	return s.Save(ctx, acct, EmptyEntry())
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis dbsize: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

// normalize replaces nil tier slices so an empty entry always encodes as three empty sets.
func normalize(entry Entry) Entry {
	if entry.Legacy == nil {
		entry.Legacy = []escrow.Record{}
	}
	if entry.PartiallyViable == nil {
		entry.PartiallyViable = []escrow.Record{}
	}
	if entry.FullyViable == nil {
		entry.FullyViable = []escrow.Record{}
	}
	return entry
}
