// Package storage defines interfaces for persisting registered OAuth clients
// and connection logs. It supports in-memory and Valkey backend implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all storage backends.
var (
	// ErrClientNotFound is returned when a client ID has no registration
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials is returned for any credential validation
	// failure. The message is intentionally generic to prevent information
	// leakage about which part of the credentials was wrong.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrLogNotFound is returned when a connection log ID does not exist
	ErrLogNotFound = errors.New("connection log not found")

	// ErrLogClosed is returned when an update is attempted on a connection
	// log that has already been closed (Disconnected or Timeout, or an Error
	// row whose disconnect has been recorded). Closed rows are immutable.
	ErrLogClosed = errors.New("connection log is closed")

	// ErrIPLimitExceeded is returned when an IP has registered too many clients
	ErrIPLimitExceeded = errors.New("client registration limit reached for this IP")
)

// ConnectionStatus is the lifecycle state of a connection log row.
//
// A row starts Connected. RecordLogError moves it to Error and may be applied
// repeatedly. CloseLog stamps DisconnectedAt exactly once; after that the row
// rejects every further update. An Error row keeps its Error status when
// closed so the failure cause survives in the log.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "Connected"
	StatusDisconnected ConnectionStatus = "Disconnected"
	StatusError        ConnectionStatus = "Error"
	StatusTimeout      ConnectionStatus = "Timeout"
)

// ConnectionType identifies the transport of a tracked connection.
type ConnectionType string

const (
	ConnectionTypeWebSocket ConnectionType = "WebSocket"
	ConnectionTypeHTTP      ConnectionType = "HTTP"
	ConnectionTypeSTDIO     ConnectionType = "STDIO"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client registration (revocation)
	DeleteClient(ctx context.Context, clientID string) error

	// ValidateClientSecret validates a client's secret against its stored hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// ConnectionLogStore persists connection lifecycle records.
//
// Implementations must serialize counter updates to a single row so that
// concurrent IncrementRequestCount calls never lose an update: the in-memory
// backend mutates under a lock, the Valkey backend uses HINCRBY.
type ConnectionLogStore interface {
	// CreateLog persists a new connection log row
	CreateLog(ctx context.Context, log *ConnectionLog) error

	// GetLog retrieves a connection log by ID
	GetLog(ctx context.Context, id string) (*ConnectionLog, error)

	// IncrementRequestCount adds one to the row's request counter and stamps
	// LastActivity. Returns ErrLogClosed for closed rows.
	IncrementRequestCount(ctx context.Context, id string, at time.Time) error

	// RecordLogError adds one to the row's error counter, moves the row to
	// StatusError and records the message. May be applied repeatedly while
	// the row is open; returns ErrLogClosed for closed rows.
	RecordLogError(ctx context.Context, id, message string, at time.Time) error

	// CloseLog stamps DisconnectedAt and DurationSeconds and applies the
	// given terminal status. A row already in StatusError keeps that status.
	// Returns ErrLogClosed if the row was closed before.
	CloseLog(ctx context.Context, id string, status ConnectionStatus, at time.Time) error

	// ListLogs lists all connection log rows (for stats and admin purposes)
	ListLogs(ctx context.Context) ([]*ConnectionLog, error)

	// DeleteLogsBefore removes rows whose ConnectedAt is before the cutoff,
	// regardless of status. Returns the number of rows removed.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	ClientURI               string
	Scopes                  []string
	Origin                  string // allow-listed origin that registered a public client
	CreatedAt               time.Time
}

// ConnectionLog represents one tracked connection from a client.
type ConnectionLog struct {
	ID              string
	ClientID        string
	User            string
	ConnectionType  ConnectionType
	Status          ConnectionStatus
	ConnectedAt     time.Time
	DisconnectedAt  time.Time // zero while the connection is open
	LastActivity    time.Time
	RequestCount    int64
	ErrorCount      int64
	DurationSeconds float64
	IPAddress       string
	UserAgent       string
	Details         string
	ErrorMessage    string
}

// Closed reports whether the row has been closed. Closed rows are immutable.
func (l *ConnectionLog) Closed() bool {
	return !l.DisconnectedAt.IsZero()
}

// Clone returns a deep copy of the log row.
func (l *ConnectionLog) Clone() *ConnectionLog {
	out := *l
	return &out
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}
