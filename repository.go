package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreNotConfigured means DB_URL was empty at startup.
	ErrStoreNotConfigured = errors.New("store connection string not configured")
	// ErrReadingNotFound is returned by lookups for devices without rows.
	ErrReadingNotFound = errors.New("reading not found")
)

// ReadingStore is what the webhook handler needs from persistence.
type ReadingStore interface {
	Save(ctx context.Context, reading Reading) (SaveResult, error)
}

// ReadingQuerier is what the read API needs from persistence.
type ReadingQuerier interface {
	LatestReading(ctx context.Context, deviceEUI string) (StoredReading, error)
	History(ctx context.Context, deviceEUI string, since time.Time) ([]StoredReading, error)
}

// pgxIface is the part of *pgxpool.Pool the repository uses.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	insertReadingSQL = `
		INSERT INTO iot_readings (device_eui, temperature, humidity, co2_level, battery_level, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, received_at`

	latestReadingSQL = `
		SELECT id, device_eui, received_at, temperature, humidity, co2_level, battery_level, raw_payload
		FROM iot_readings
		WHERE device_eui = $1
		ORDER BY received_at DESC, id DESC
		LIMIT 1`

	historySQL = `
		SELECT id, device_eui, received_at, temperature, humidity, co2_level, battery_level
		FROM iot_readings
		WHERE device_eui = $1 AND received_at >= $2
		ORDER BY received_at ASC, id ASC`
)

// Repository wraps PostgreSQL (source of truth) and an optional Valkey
// cache holding the last committed reading of each device.
type Repository struct {
	db       pgxIface
	redis    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewRepository connects to PostgreSQL and, when an address is given, Valkey.
func NewRepository(ctx context.Context, cfg Config, logger *slog.Logger) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("db config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db unreachable: %w", err)
	}

	var rdb *redis.Client
	if cfg.ValkeyAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.ValkeyAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			rdb.Close()
			return nil, fmt.Errorf("valkey unreachable: %w", err)
		}
	}

	return newRepository(pool, rdb, cfg.LatestTTL, logger), nil
}

func newRepository(db pgxIface, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Repository {
	return &Repository{db: db, redis: rdb, cacheTTL: ttl, logger: logger}
}

// Close releases the pool and the cache client.
func (r *Repository) Close() {
	r.db.Close()
	if r.redis != nil {
		r.redis.Close()
	}
}

// EnsureSchema creates iot_readings if it does not exist. It runs once at
// startup. registryTable, when set, adds the FK to the device registry.
func (r *Repository) EnsureSchema(ctx context.Context, registryTable, registryColumn string) error {
	if _, err := r.db.Exec(ctx, schemaSQL(registryTable, registryColumn)); err != nil {
		return fmt.Errorf("ensure iot_readings: %w", err)
	}
	return nil
}

func schemaSQL(registryTable, registryColumn string) string {
	deviceColumn := "device_eui VARCHAR(50)"
	if registryTable != "" {
		deviceColumn += fmt.Sprintf(" REFERENCES %s (%s)",
			pgx.Identifier{registryTable}.Sanitize(),
			pgx.Identifier{registryColumn}.Sanitize())
	}
	return `
		CREATE TABLE IF NOT EXISTS iot_readings (
			id SERIAL PRIMARY KEY,
			` + deviceColumn + `,
			received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			temperature FLOAT,
			humidity FLOAT,
			co2_level FLOAT,
			battery_level FLOAT,
			raw_payload JSONB
		)`
}

// Save inserts one reading. A foreign key violation (device missing from
// the registry) is not an error: the row is dropped and the outcome is
// SaveIgnoredUnregistered so the caller still acknowledges the webhook.
func (r *Repository) Save(ctx context.Context, reading Reading) (SaveResult, error) {
	res := SaveResult{Outcome: SaveFailed}

	// A. PostgreSQL (source of truth)
	err := r.db.QueryRow(ctx, insertReadingSQL,
		reading.DeviceEUI,
		reading.Temperature,
		reading.Humidity,
		reading.CO2Level,
		reading.BatteryLevel,
		reading.RawPayload,
	).Scan(&res.ID, &res.ReceivedAt)
	if err != nil {
		if isUnregisteredDevice(err) {
			res.Outcome = SaveIgnoredUnregistered
			return res, nil
		}
		return res, fmt.Errorf("insert reading: %w", err)
	}
	res.Outcome = SaveCommitted

	// B. Valkey (last value). PostgreSQL already has the row, so a failure here only logs.
	if err := r.cacheLatest(ctx, res.Stored(reading)); err != nil {
		r.logger.Warn("latest reading cache update failed", "device_eui", deref(reading.DeviceEUI), "error", err)
	}
	return res, nil
}

// isUnregisteredDevice reports whether err is a foreign key violation.
func isUnregisteredDevice(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// cacheWriteAttempts bounds retries when another save touches the key mid-update.
const cacheWriteAttempts = 3

func latestKey(deviceEUI string) string {
	return "reading:last:" + deviceEUI
}

// cacheLatest stores the reading as the device's last value unless the cache
// already holds a newer one, using the same order as latestReadingSQL.
func (r *Repository) cacheLatest(ctx context.Context, stored StoredReading) error {
	if r.redis == nil || stored.DeviceEUI == nil {
		return nil
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	key := latestKey(*stored.DeviceEUI)

	update := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cached StoredReading
			if json.Unmarshal(current, &cached) == nil && newerReading(cached, stored) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.cacheTTL)
			return nil
		})
		return err
	}

	for range cacheWriteAttempts {
		err = r.redis.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// newerReading reports whether a sorts after b by (received_at, id).
func newerReading(a, b StoredReading) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.ID > b.ID
}

// LatestReading returns the newest reading for a device, from the cache
// when possible.
func (r *Repository) LatestReading(ctx context.Context, deviceEUI string) (StoredReading, error) {
	if r.redis != nil {
		data, err := r.redis.Get(ctx, latestKey(deviceEUI)).Bytes()
		switch {
		case err == nil:
			var stored StoredReading
			if err := json.Unmarshal(data, &stored); err == nil {
				return stored, nil
			}
			r.logger.Warn("discarding unreadable cache entry", "device_eui", deviceEUI)
		case !errors.Is(err, redis.Nil):
			r.logger.Warn("latest reading cache lookup failed", "device_eui", deviceEUI, "error", err)
		}
	}

	var s StoredReading
	err := r.db.QueryRow(ctx, latestReadingSQL, deviceEUI).Scan(
		&s.ID, &s.DeviceEUI, &s.ReceivedAt,
		&s.Temperature, &s.Humidity, &s.CO2Level, &s.BatteryLevel,
		&s.RawPayload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredReading{}, ErrReadingNotFound
	}
	if err != nil {
		return StoredReading{}, fmt.Errorf("query latest reading: %w", err)
	}
	return s, nil
}

// History returns readings of a device received at or after since, oldest first.
func (r *Repository) History(ctx context.Context, deviceEUI string, since time.Time) ([]StoredReading, error) {
	rows, err := r.db.Query(ctx, historySQL, deviceEUI, since)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	readings := make([]StoredReading, 0, 100)
	for rows.Next() {
		var s StoredReading
		if err := rows.Scan(
			&s.ID, &s.DeviceEUI, &s.ReceivedAt,
			&s.Temperature, &s.Humidity, &s.CO2Level, &s.BatteryLevel,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		readings = append(readings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return readings, nil
}

// missingStore stands in for the repository when DB_URL is empty.
type missingStore struct{}

func (missingStore) Save(context.Context, Reading) (SaveResult, error) {
	return SaveResult{Outcome: SaveFailed}, ErrStoreNotConfigured
}

func (missingStore) LatestReading(context.Context, string) (StoredReading, error) {
	return StoredReading{}, ErrStoreNotConfigured
}

func (missingStore) History(context.Context, string, time.Time) ([]StoredReading, error) {
	return nil, ErrStoreNotConfigured
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
