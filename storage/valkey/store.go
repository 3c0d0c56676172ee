// Package valkey provides a Valkey-backed storage backend for registered
// clients and connection logs, suitable for multi-instance deployments.
// Clients are stored as JSON values; connection logs are stored as hashes so
// counters can be updated with HINCRBY without read-modify-write races.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/assistant-core/assistant-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "assistant:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// ipTrackingTTL is how long registration counts per IP are retained
	ipTrackingTTL = 24 * time.Hour

	// MaxClientDataSize is the maximum size of a serialized client record.
	// This prevents memory exhaustion from oversized registration payloads.
	MaxClientDataSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "assistant:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.ConnectionLogStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Key builders

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) ipKey(ip string) string {
	return s.prefix + "ipreg:" + ip
}

func (s *Store) logKey(id string) string {
	return s.prefix + "connlog:" + id
}

// ==================== ClientStore ====================

// SaveClient saves a registered client as a JSON value.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxClientDataSize {
		return fmt.Errorf("client record exceeds maximum allowed size")
	}

	cmd := s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	cmd := s.client.B().Get().Key(s.clientKey(clientID)).Build()
	data, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// DeleteClient removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	cmd := s.client.B().Del().Key(s.clientKey(clientID)).Build()
	removed, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if removed == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// The error is identical for unknown clients, public clients and wrong
// secrets to prevent information leakage.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return storage.ErrInvalidClientCredentials
	}
	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients lists all registered clients via SCAN.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	keys, err := s.scanKeys(ctx, s.prefix+"client:*")
	if err != nil {
		return nil, err
	}

	out := make([]*storage.Client, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
		if err != nil {
			if valkeygo.IsValkeyNil(err) {
				continue // deleted between SCAN and GET
			}
			return nil, fmt.Errorf("failed to get client %s: %w", key, err)
		}
		var client storage.Client
		if err := json.Unmarshal(data, &client); err != nil {
			s.logger.Warn("Skipping undecodable client record", "key", key, "error", err)
			continue
		}
		out = append(out, &client)
	}
	return out, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	cmd := s.client.B().Get().Key(s.ipKey(ip)).Build()
	count, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP limit: %w", err)
	}
	if count >= int64(maxClientsPerIP) {
		return storage.ErrIPLimitExceeded
	}
	return nil
}

// TrackClientIP records a successful registration from the given IP.
// Counts expire after 24 hours so a busy NAT does not stay locked out.
func (s *Store) TrackClientIP(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	count, err := s.client.Do(ctx, s.client.B().Incr().Key(s.ipKey(ip)).Build()).AsInt64()
	if err != nil {
		s.logger.Warn("Failed to track client IP", "error", err)
		return
	}
	if count == 1 {
		expire := s.client.B().Expire().Key(s.ipKey(ip)).Seconds(int64(ipTrackingTTL.Seconds())).Build()
		if err := s.client.Do(ctx, expire).Error(); err != nil {
			s.logger.Warn("Failed to set IP tracking TTL", "error", err)
		}
	}
}

// scanKeys iterates SCAN until the cursor wraps around.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}
