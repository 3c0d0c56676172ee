// Package memory provides an in-memory storage backend suitable for
// single-instance deployments and tests. All state is lost on restart;
// use the valkey backend for multi-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/storage"
)

// Store is an in-memory implementation of the storage interfaces.
// A single RWMutex guards all maps, which also serializes counter updates to
// any one connection log row: concurrent IncrementRequestCount calls never
// lose an update.
type Store struct {
	mu           sync.RWMutex
	clients      map[string]*storage.Client
	logs         map[string]*storage.ConnectionLog
	clientsPerIP map[string]int

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.ConnectionLogStore = (*Store)(nil)
)

// New creates a new in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clients:      make(map[string]*storage.Client),
		logs:         make(map[string]*storage.ConnectionLog),
		clientsPerIP: make(map[string]int),
		logger:       logger,
	}
}

// SetInstrumentation wires storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.clients))
		},
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.logs))
		},
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// ==================== ClientStore ====================

// SaveClient saves a registered client
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client.Clone(), nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// The error is the same for unknown clients, public clients, and wrong
// secrets so the response leaks nothing about which check failed.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok || client.ClientSecretHash == "" {
		return storage.ErrInvalidClientCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, client.Clone())
	}
	return out, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit.
// A maxClientsPerIP of 0 disables the limit.
func (s *Store) CheckIPLimit(_ context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[ip] >= maxClientsPerIP {
		return storage.ErrIPLimitExceeded
	}
	return nil
}

// TrackClientIP records a successful registration from the given IP.
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// ==================== ConnectionLogStore ====================

// CreateLog persists a new connection log row
func (s *Store) CreateLog(_ context.Context, log *storage.ConnectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[log.ID]; exists {
		return fmt.Errorf("connection log %q already exists", log.ID)
	}
	s.logs[log.ID] = log.Clone()
	return nil
}

// GetLog retrieves a connection log by ID
func (s *Store) GetLog(_ context.Context, id string) (*storage.ConnectionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[id]
	if !ok {
		return nil, storage.ErrLogNotFound
	}
	return log.Clone(), nil
}

// IncrementRequestCount adds one request to an open row under the store lock.
func (s *Store) IncrementRequestCount(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return storage.ErrLogNotFound
	}
	if log.Closed() {
		return storage.ErrLogClosed
	}

	log.RequestCount++
	log.LastActivity = at
	return nil
}

// RecordLogError moves an open row to StatusError and counts the error.
func (s *Store) RecordLogError(_ context.Context, id, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return storage.ErrLogNotFound
	}
	if log.Closed() {
		return storage.ErrLogClosed
	}

	log.ErrorCount++
	log.Status = storage.StatusError
	log.ErrorMessage = message
	log.LastActivity = at
	return nil
}

// CloseLog stamps the disconnect exactly once. A row in StatusError keeps
// that status so the failure cause survives in the log.
func (s *Store) CloseLog(_ context.Context, id string, status storage.ConnectionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return storage.ErrLogNotFound
	}
	if log.Closed() {
		return storage.ErrLogClosed
	}

	if log.Status != storage.StatusError {
		log.Status = status
	}
	log.DisconnectedAt = at
	log.DurationSeconds = at.Sub(log.ConnectedAt).Seconds()
	return nil
}

// ListLogs lists all connection log rows
func (s *Store) ListLogs(_ context.Context) ([]*storage.ConnectionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.ConnectionLog, 0, len(s.logs))
	for _, log := range s.logs {
		out = append(out, log.Clone())
	}
	return out, nil
}

// DeleteLogsBefore removes rows older than the cutoff, regardless of status.
func (s *Store) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, log := range s.logs {
		if log.ConnectedAt.Before(cutoff) {
			delete(s.logs, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Removed expired connection logs",
			"removed", removed,
			"remaining", len(s.logs))
	}
	return removed, nil
}
