package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/assistant-core/assistant-oauth/storage"
)

// Connection logs are hashes so counters can be bumped with HINCRBY: two
// instances incrementing the same row concurrently never lose an update.
// State checks and the close stamp run as Lua scripts to stay atomic.

// Hash field names for connection log rows.
const (
	fieldClientID        = "client_id"
	fieldUser            = "user"
	fieldConnectionType  = "connection_type"
	fieldStatus          = "status"
	fieldConnectedAt     = "connected_at"
	fieldDisconnectedAt  = "disconnected_at"
	fieldLastActivity    = "last_activity"
	fieldRequestCount    = "request_count"
	fieldErrorCount      = "error_count"
	fieldDurationSeconds = "duration_seconds"
	fieldIPAddress       = "ip_address"
	fieldUserAgent       = "user_agent"
	fieldDetails         = "details"
	fieldErrorMessage    = "error_message"
)

// luaIncrementRequestCount bumps the request counter of an open row.
// Returns -1 when the row does not exist and 0 when it is already closed.
var luaIncrementRequestCount = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local d = redis.call('HGET', KEYS[1], 'disconnected_at')
if d and d ~= '' then return 0 end
redis.call('HINCRBY', KEYS[1], 'request_count', 1)
redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
return 1`)

// luaRecordError bumps the error counter of an open row and moves it to the
// Error status. ARGV: status, message, timestamp.
var luaRecordError = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local d = redis.call('HGET', KEYS[1], 'disconnected_at')
if d and d ~= '' then return 0 end
redis.call('HINCRBY', KEYS[1], 'error_count', 1)
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'error_message', ARGV[2], 'last_activity', ARGV[3])
return 1`)

// luaCloseLog stamps the disconnect exactly once. A row already in the Error
// status keeps it. ARGV: status, disconnected_at, duration_seconds.
var luaCloseLog = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local d = redis.call('HGET', KEYS[1], 'disconnected_at')
if d and d ~= '' then return 0 end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'Error' then redis.call('HSET', KEYS[1], 'status', ARGV[1]) end
redis.call('HSET', KEYS[1], 'disconnected_at', ARGV[2], 'duration_seconds', ARGV[3])
return 1`)

// CreateLog persists a new connection log row as a hash.
func (s *Store) CreateLog(ctx context.Context, log *storage.ConnectionLog) error {
	if log.ID == "" {
		return fmt.Errorf("connection log ID is required")
	}

	builder := s.client.B().Hset().Key(s.logKey(log.ID)).FieldValue()
	for _, fv := range logToFieldValues(log) {
		builder = builder.FieldValue(fv[0], fv[1])
	}
	if err := s.client.Do(ctx, builder.Build()).Error(); err != nil {
		return fmt.Errorf("failed to create connection log: %w", err)
	}
	return nil
}

// GetLog retrieves a connection log by ID.
func (s *Store) GetLog(ctx context.Context, id string) (*storage.ConnectionLog, error) {
	cmd := s.client.B().Hgetall().Key(s.logKey(id)).Build()
	fields, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection log: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrLogNotFound
	}
	return logFromFields(id, fields)
}

// IncrementRequestCount bumps the request counter with HINCRBY.
func (s *Store) IncrementRequestCount(ctx context.Context, id string, at time.Time) error {
	res, err := luaIncrementRequestCount.Exec(ctx, s.client,
		[]string{s.logKey(id)},
		[]string{formatTime(at)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to increment request count: %w", err)
	}
	return scriptResultToError(res)
}

// RecordLogError bumps the error counter and records the message.
func (s *Store) RecordLogError(ctx context.Context, id, message string, at time.Time) error {
	res, err := luaRecordError.Exec(ctx, s.client,
		[]string{s.logKey(id)},
		[]string{string(storage.StatusError), message, formatTime(at)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to record connection error: %w", err)
	}
	return scriptResultToError(res)
}

// CloseLog stamps the disconnect and duration exactly once.
func (s *Store) CloseLog(ctx context.Context, id string, status storage.ConnectionStatus, at time.Time) error {
	log, err := s.GetLog(ctx, id)
	if err != nil {
		return err
	}
	duration := at.Sub(log.ConnectedAt).Seconds()

	res, err := luaCloseLog.Exec(ctx, s.client,
		[]string{s.logKey(id)},
		[]string{string(status), formatTime(at), strconv.FormatFloat(duration, 'f', -1, 64)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to close connection log: %w", err)
	}
	return scriptResultToError(res)
}

// ListLogs lists all connection log rows via SCAN.
func (s *Store) ListLogs(ctx context.Context) ([]*storage.ConnectionLog, error) {
	keys, err := s.scanKeys(ctx, s.prefix+"connlog:*")
	if err != nil {
		return nil, err
	}

	prefixLen := len(s.prefix + "connlog:")
	out := make([]*storage.ConnectionLog, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("failed to get connection log %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue // deleted between SCAN and HGETALL
		}
		log, err := logFromFields(key[prefixLen:], fields)
		if err != nil {
			s.logger.Warn("Skipping undecodable connection log", "key", key, "error", err)
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// DeleteLogsBefore removes rows whose ConnectedAt is before the cutoff.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.scanKeys(ctx, s.prefix+"connlog:*")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		cmd := s.client.B().Hget().Key(key).Field(fieldConnectedAt).Build()
		raw, err := s.client.Do(ctx, cmd).ToString()
		if err != nil {
			if valkeygo.IsValkeyNil(err) {
				continue
			}
			return removed, fmt.Errorf("failed to read connection log %s: %w", key, err)
		}
		connectedAt, err := parseTime(raw)
		if err != nil {
			s.logger.Warn("Skipping connection log with bad timestamp", "key", key, "error", err)
			continue
		}
		if !connectedAt.Before(cutoff) {
			continue
		}
		if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
			return removed, fmt.Errorf("failed to delete connection log %s: %w", key, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug("Removed expired connection logs", "removed", removed)
	}
	return removed, nil
}

// scriptResultToError maps the Lua status codes onto the storage sentinels.
func scriptResultToError(res int64) error {
	switch res {
	case -1:
		return storage.ErrLogNotFound
	case 0:
		return storage.ErrLogClosed
	}
	return nil
}

// logToFieldValues flattens a log row into hash field/value pairs.
func logToFieldValues(log *storage.ConnectionLog) [][2]string {
	return [][2]string{
		{fieldClientID, log.ClientID},
		{fieldUser, log.User},
		{fieldConnectionType, string(log.ConnectionType)},
		{fieldStatus, string(log.Status)},
		{fieldConnectedAt, formatTime(log.ConnectedAt)},
		{fieldDisconnectedAt, formatTime(log.DisconnectedAt)},
		{fieldLastActivity, formatTime(log.LastActivity)},
		{fieldRequestCount, strconv.FormatInt(log.RequestCount, 10)},
		{fieldErrorCount, strconv.FormatInt(log.ErrorCount, 10)},
		{fieldDurationSeconds, strconv.FormatFloat(log.DurationSeconds, 'f', -1, 64)},
		{fieldIPAddress, log.IPAddress},
		{fieldUserAgent, log.UserAgent},
		{fieldDetails, log.Details},
		{fieldErrorMessage, log.ErrorMessage},
	}
}

// logFromFields rebuilds a log row from its hash fields.
func logFromFields(id string, fields map[string]string) (*storage.ConnectionLog, error) {
	connectedAt, err := parseTime(fields[fieldConnectedAt])
	if err != nil {
		return nil, fmt.Errorf("bad connected_at: %w", err)
	}
	disconnectedAt, err := parseTime(fields[fieldDisconnectedAt])
	if err != nil {
		return nil, fmt.Errorf("bad disconnected_at: %w", err)
	}
	lastActivity, err := parseTime(fields[fieldLastActivity])
	if err != nil {
		return nil, fmt.Errorf("bad last_activity: %w", err)
	}
	requestCount, err := parseCount(fields[fieldRequestCount])
	if err != nil {
		return nil, fmt.Errorf("bad request_count: %w", err)
	}
	errorCount, err := parseCount(fields[fieldErrorCount])
	if err != nil {
		return nil, fmt.Errorf("bad error_count: %w", err)
	}
	duration := 0.0
	if raw := fields[fieldDurationSeconds]; raw != "" {
		if duration, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("bad duration_seconds: %w", err)
		}
	}

	return &storage.ConnectionLog{
		ID:              id,
		ClientID:        fields[fieldClientID],
		User:            fields[fieldUser],
		ConnectionType:  storage.ConnectionType(fields[fieldConnectionType]),
		Status:          storage.ConnectionStatus(fields[fieldStatus]),
		ConnectedAt:     connectedAt,
		DisconnectedAt:  disconnectedAt,
		LastActivity:    lastActivity,
		RequestCount:    requestCount,
		ErrorCount:      errorCount,
		DurationSeconds: duration,
		IPAddress:       fields[fieldIPAddress],
		UserAgent:       fields[fieldUserAgent],
		Details:         fields[fieldDetails],
		ErrorMessage:    fields[fieldErrorMessage],
	}, nil
}

// formatTime renders a timestamp for hash storage. The zero time is stored
// as the empty string, which is what the Lua open-row checks rely on.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func parseCount(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
