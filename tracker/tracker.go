// Package tracker records the lifecycle of assistant connections: one log
// row per connection with request and error counters, aggregate stats for
// the admin dashboard, and an age-based retention sweep.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/security"
	"github.com/assistant-core/assistant-oauth/storage"
)

// DefaultSweepInterval is how often the retention sweep runs.
const DefaultSweepInterval = time.Hour

// ConnectionInfo describes a connection being opened.
type ConnectionInfo struct {
	ClientID       string
	User           string
	ConnectionType storage.ConnectionType
	IPAddress      string
	UserAgent      string
	Details        string
}

// Config holds tracker configuration.
type Config struct {
	// Store is the connection log backend (required)
	Store storage.ConnectionLogStore

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger

	// SweepInterval is how often expired rows are removed (default: 1 hour)
	SweepInterval time.Duration

	// RetentionDays returns the current retention period in days. Wire this
	// to the settings snapshot so admin changes apply without restart.
	// Defaults to a constant 30 days when nil.
	RetentionDays func() int
}

// Tracker records connection lifecycles against a ConnectionLogStore.
// Counter updates are delegated to the store, which serializes them per row,
// so concurrent RecordActivity calls on one connection never lose updates.
type Tracker struct {
	store         storage.ConnectionLogStore
	logger        *slog.Logger
	retentionDays func() int
	sweepInterval time.Duration

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation

	// sessions maps a caller-chosen session key to an open log row so HTTP
	// middleware can reuse one row across requests of the same session.
	mu       sync.Mutex
	sessions map[string]string

	stopSweep chan struct{}
	stopOnce  sync.Once

	now func() time.Time
}

// New creates a tracker and starts its background retention sweep.
// Call Stop to terminate the sweep goroutine.
func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("connection log store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RetentionDays == nil {
		cfg.RetentionDays = func() int { return 30 }
	}

	t := &Tracker{
		store:         cfg.Store,
		logger:        cfg.Logger,
		retentionDays: cfg.RetentionDays,
		sweepInterval: cfg.SweepInterval,
		sessions:      make(map[string]string),
		stopSweep:     make(chan struct{}),
		now:           time.Now,
	}

	go t.sweepLoop()

	return t, nil
}

// SetAuditor sets the security auditor
func (t *Tracker) SetAuditor(aud *security.Auditor) {
	t.auditor = aud
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (t *Tracker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	t.instrumentation = inst
}

// Stop terminates the background sweep goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopSweep)
	})
}

// RecordConnect opens a new connection log row in the Connected state and
// returns it. The row ID is a fresh UUID; a reconnect always creates a new
// row rather than reopening an old one.
func (t *Tracker) RecordConnect(ctx context.Context, info ConnectionInfo) (*storage.ConnectionLog, error) {
	now := t.now()
	log := &storage.ConnectionLog{
		ID:             uuid.NewString(),
		ClientID:       info.ClientID,
		User:           info.User,
		ConnectionType: info.ConnectionType,
		Status:         storage.StatusConnected,
		ConnectedAt:    now,
		LastActivity:   now,
		IPAddress:      info.IPAddress,
		UserAgent:      info.UserAgent,
		Details:        info.Details,
	}

	if err := t.store.CreateLog(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create connection log: %w", err)
	}

	if t.auditor != nil {
		t.auditor.LogConnectionOpened(info.ClientID, info.User, string(info.ConnectionType), info.IPAddress)
	}
	if t.instrumentation != nil {
		t.instrumentation.Metrics().RecordConnectionOpened(ctx, string(info.ConnectionType))
	}
	t.logger.Debug("Connection opened",
		"log_id", log.ID,
		"client_id", info.ClientID,
		"connection_type", info.ConnectionType)

	return log, nil
}

// RecordActivity counts one request on an open connection and stamps its
// last activity time.
func (t *Tracker) RecordActivity(ctx context.Context, logID string) error {
	return t.store.IncrementRequestCount(ctx, logID, t.now())
}

// RecordError counts an error on an open connection and moves it to the
// Error status. May be called repeatedly; the row stays open until a
// disconnect or timeout is recorded.
func (t *Tracker) RecordError(ctx context.Context, logID, message string) error {
	if err := t.store.RecordLogError(ctx, logID, message, t.now()); err != nil {
		return err
	}
	if t.auditor != nil {
		t.auditor.LogEvent(security.Event{
			Type: security.EventConnectionError,
			Details: map[string]any{
				"log_id": logID,
			},
		})
	}
	if t.instrumentation != nil {
		t.instrumentation.Metrics().RecordConnectionError(ctx, "")
	}
	return nil
}

// RecordDisconnect closes a connection normally. Returns storage.ErrLogClosed
// if the row was already closed.
func (t *Tracker) RecordDisconnect(ctx context.Context, logID string) error {
	return t.closeLog(ctx, logID, storage.StatusDisconnected)
}

// MarkTimeout closes a connection that went silent past its deadline.
func (t *Tracker) MarkTimeout(ctx context.Context, logID string) error {
	return t.closeLog(ctx, logID, storage.StatusTimeout)
}

func (t *Tracker) closeLog(ctx context.Context, logID string, status storage.ConnectionStatus) error {
	if err := t.store.CloseLog(ctx, logID, status, t.now()); err != nil {
		return err
	}

	log, err := t.store.GetLog(ctx, logID)
	if err != nil {
		// Row closed but unreadable; audit with what we have.
		t.logger.Warn("Closed connection log could not be read back", "log_id", logID, "error", err)
		return nil
	}

	if t.auditor != nil {
		t.auditor.LogConnectionClosed(log.ClientID, log.User, string(log.Status), log.DurationSeconds)
	}
	if t.instrumentation != nil {
		t.instrumentation.Metrics().RecordConnectionClosed(ctx, string(log.Status))
	}
	t.logger.Debug("Connection closed",
		"log_id", logID,
		"status", log.Status,
		"duration_seconds", log.DurationSeconds,
		"request_count", log.RequestCount)
	return nil
}

// AcquireSession returns the open log row for the given session key,
// creating one when the session is new or its previous row was closed.
// Session keys are caller-chosen, typically "client_id|user".
func (t *Tracker) AcquireSession(ctx context.Context, sessionKey string, info ConnectionInfo) (string, error) {
	t.mu.Lock()
	logID, ok := t.sessions[sessionKey]
	t.mu.Unlock()

	if ok {
		log, err := t.store.GetLog(ctx, logID)
		if err == nil && !log.Closed() {
			return logID, nil
		}
		// Stale mapping: row swept or closed elsewhere.
		t.mu.Lock()
		if t.sessions[sessionKey] == logID {
			delete(t.sessions, sessionKey)
		}
		t.mu.Unlock()
	}

	log, err := t.RecordConnect(ctx, info)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.sessions[sessionKey] = log.ID
	t.mu.Unlock()
	return log.ID, nil
}

// ReleaseSession disconnects the session's open row, if any.
func (t *Tracker) ReleaseSession(ctx context.Context, sessionKey string) error {
	t.mu.Lock()
	logID, ok := t.sessions[sessionKey]
	delete(t.sessions, sessionKey)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	err := t.RecordDisconnect(ctx, logID)
	if errors.Is(err, storage.ErrLogClosed) {
		return nil
	}
	return err
}

// Stats holds the aggregate numbers shown on the admin dashboard.
type Stats struct {
	ActiveConnections      int
	ConnectionsToday       int
	TotalRequests          int64
	AverageDurationSeconds float64
}

// Stats computes aggregate connection statistics from the log store.
func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	logs, err := t.store.ListLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection logs: %w", err)
	}

	now := t.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats := &Stats{}
	closed := 0
	var totalDuration float64

	for _, log := range logs {
		if !log.Closed() {
			stats.ActiveConnections++
		} else {
			closed++
			totalDuration += log.DurationSeconds
		}
		if !log.ConnectedAt.Before(midnight) {
			stats.ConnectionsToday++
		}
		stats.TotalRequests += log.RequestCount
	}
	if closed > 0 {
		stats.AverageDurationSeconds = totalDuration / float64(closed)
	}

	return stats, nil
}

// Sweep removes rows whose ConnectedAt is older than the retention period,
// regardless of status. Returns the number of rows removed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	days := t.retentionDays()
	if days <= 0 {
		days = 30
	}
	cutoff := t.now().AddDate(0, 0, -days)

	removed, err := t.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("retention sweep failed: %w", err)
	}

	if removed > 0 {
		t.logger.Info("Connection log retention sweep completed",
			"removed", removed,
			"retention_days", days)
		if t.instrumentation != nil {
			t.instrumentation.Metrics().RecordLogsSwept(ctx, int64(removed))
		}
	}
	return removed, nil
}

// sweepLoop runs the retention sweep until Stop is called. The sweep uses
// its own store calls so it never blocks registration or discovery.
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.Sweep(context.Background()); err != nil {
				t.logger.Error("Connection log sweep failed", "error", err)
			}
		case <-t.stopSweep:
			return
		}
	}
}
