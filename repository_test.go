package main

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	insertPattern  = regexp.QuoteMeta("INSERT INTO iot_readings")
	selectPattern  = regexp.QuoteMeta("FROM iot_readings")
	testReceivedAt = time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)
)

func newMockRepository(t *testing.T, withCache bool) (*Repository, pgxmock.PgxPoolIface, *miniredis.Miniredis) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	var (
		mr  *miniredis.Miniredis
		rdb *redis.Client
	)
	if withCache {
		mr = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
	}
	return newRepository(mock, rdb, 24*time.Hour, discardLogger()), mock, mr
}

func exampleReading() Reading {
	return Reading{
		DeviceEUI:    ptr("AABBCCDDEEFF0011"),
		Temperature:  ptr(21.5),
		Humidity:     ptr(40.0),
		CO2Level:     ptr(800.0),
		BatteryLevel: ptr(3.6),
		RawPayload:   json.RawMessage(exampleUplink),
	}
}

func TestRepository_SaveCommitted(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)
	reading := exampleReading()

	mock.ExpectQuery(insertPattern).
		WithArgs(reading.DeviceEUI, reading.Temperature, reading.Humidity, reading.CO2Level, reading.BatteryLevel, reading.RawPayload).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(42), testReceivedAt))

	res, err := repo.Save(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, SaveCommitted, res.Outcome)
	assert.Equal(t, int64(42), res.ID)
	assert.Equal(t, testReceivedAt, res.ReceivedAt)
	require.NoError(t, mock.ExpectationsWereMet())

	cached, err := mr.Get("reading:last:AABBCCDDEEFF0011")
	require.NoError(t, err)
	var stored StoredReading
	require.NoError(t, json.Unmarshal([]byte(cached), &stored))
	assert.Equal(t, int64(42), stored.ID)
	assert.Equal(t, ptr(21.5), stored.Temperature)
	assert.Equal(t, 24*time.Hour, mr.TTL("reading:last:AABBCCDDEEFF0011"))
}

func TestRepository_SaveNullMeasurements(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)
	reading := Reading{RawPayload: json.RawMessage(`{"end_device_ids":{}}`)}

	mock.ExpectQuery(insertPattern).
		WithArgs((*string)(nil), (*float64)(nil), (*float64)(nil), (*float64)(nil), (*float64)(nil), reading.RawPayload).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(1), testReceivedAt))

	res, err := repo.Save(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, SaveCommitted, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveUnregisteredDevice(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{
			Code:           pgerrcode.ForeignKeyViolation,
			Message:        `insert or update on table "iot_readings" violates foreign key constraint`,
			ConstraintName: "iot_readings_device_eui_fkey",
		})

	res, err := repo.Save(context.Background(), exampleReading())
	require.NoError(t, err)
	assert.Equal(t, SaveIgnoredUnregistered, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, mr.Exists("reading:last:AABBCCDDEEFF0011"), "ignored readings must not reach the cache")
}

func TestRepository_SaveOtherConstraintFails(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.CheckViolation})

	res, err := repo.Save(context.Background(), exampleReading())
	require.Error(t, err)
	assert.Equal(t, SaveFailed, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveConnectionError(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)
	dialErr := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(dialErr)

	res, err := repo.Save(context.Background(), exampleReading())
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, SaveFailed, res.Outcome)
}

func TestRepository_SaveCacheDownStillCommits(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)
	mr.SetError("LOADING Valkey is loading the dataset in memory")

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(3), testReceivedAt))

	res, err := repo.Save(context.Background(), exampleReading())
	require.NoError(t, err)
	assert.Equal(t, SaveCommitted, res.Outcome)
}

func TestRepository_SaveKeepsNewerCachedReading(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)

	newer, err := json.Marshal(StoredReading{ID: 50, DeviceEUI: ptr("AABBCCDDEEFF0011"), ReceivedAt: testReceivedAt.Add(time.Second)})
	require.NoError(t, err)
	require.NoError(t, mr.Set("reading:last:AABBCCDDEEFF0011", string(newer)))

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(42), testReceivedAt))

	res, err := repo.Save(context.Background(), exampleReading())
	require.NoError(t, err)
	assert.Equal(t, SaveCommitted, res.Outcome)

	cached, err := mr.Get("reading:last:AABBCCDDEEFF0011")
	require.NoError(t, err)
	assert.JSONEq(t, string(newer), cached)
}

func TestRepository_SaveReplacesOlderCachedReading(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)

	older, err := json.Marshal(StoredReading{ID: 41, DeviceEUI: ptr("AABBCCDDEEFF0011"), ReceivedAt: testReceivedAt})
	require.NoError(t, err)
	require.NoError(t, mr.Set("reading:last:AABBCCDDEEFF0011", string(older)))

	mock.ExpectQuery(insertPattern).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(42), testReceivedAt))

	_, err = repo.Save(context.Background(), exampleReading())
	require.NoError(t, err)

	cached, err := mr.Get("reading:last:AABBCCDDEEFF0011")
	require.NoError(t, err)
	var stored StoredReading
	require.NoError(t, json.Unmarshal([]byte(cached), &stored))
	assert.Equal(t, int64(42), stored.ID, "same received_at, higher id wins")
}

func TestNewerReading(t *testing.T) {
	a := StoredReading{ID: 1, ReceivedAt: testReceivedAt.Add(time.Minute)}
	b := StoredReading{ID: 2, ReceivedAt: testReceivedAt}
	assert.True(t, newerReading(a, b))
	assert.False(t, newerReading(b, a))
	assert.True(t, newerReading(StoredReading{ID: 3, ReceivedAt: testReceivedAt}, b))
	assert.False(t, newerReading(b, b))
}

func TestIsUnregisteredDevice(t *testing.T) {
	fk := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}
	assert.True(t, isUnregisteredDevice(fk))
	assert.True(t, isUnregisteredDevice(errors.Join(errors.New("insert"), fk)))
	assert.False(t, isUnregisteredDevice(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, isUnregisteredDevice(&pgconn.PgError{Code: pgerrcode.NotNullViolation}))
	assert.False(t, isUnregisteredDevice(errors.New("timeout")))
}

func TestRepository_EnsureSchema(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)

	mock.ExpectExec(regexp.QuoteMeta(`device_eui VARCHAR(50) REFERENCES "devices" ("dev_eui")`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, repo.EnsureSchema(context.Background(), "devices", "dev_eui"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaSQL(t *testing.T) {
	plain := schemaSQL("", "")
	assert.Contains(t, plain, "CREATE TABLE IF NOT EXISTS iot_readings")
	assert.Contains(t, plain, "raw_payload JSONB")
	assert.NotContains(t, plain, "REFERENCES")

	quoted := schemaSQL(`dash"board`, "eui")
	assert.Contains(t, quoted, `REFERENCES "dash""board" ("eui")`)
}

func TestRepository_LatestFromCache(t *testing.T) {
	repo, mock, mr := newMockRepository(t, true)

	cached, err := json.Marshal(StoredReading{ID: 9, DeviceEUI: ptr("AABB"), ReceivedAt: testReceivedAt, CO2Level: ptr(612.0)})
	require.NoError(t, err)
	require.NoError(t, mr.Set("reading:last:AABB", string(cached)))

	got, err := repo.LatestReading(context.Background(), "AABB")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.ID)
	assert.Equal(t, ptr(612.0), got.CO2Level)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LatestFallsBackToDatabase(t *testing.T) {
	repo, mock, _ := newMockRepository(t, true)

	mock.ExpectQuery(selectPattern).
		WithArgs("AABB").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "device_eui", "received_at", "temperature", "humidity", "co2_level", "battery_level", "raw_payload",
		}).AddRow(int64(5), ptr("AABB"), testReceivedAt, ptr(20.0), (*float64)(nil), ptr(450.0), ptr(3.1), json.RawMessage(`{"a":1}`)))

	got, err := repo.LatestReading(context.Background(), "AABB")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ID)
	assert.Equal(t, "AABB", *got.DeviceEUI)
	assert.Equal(t, ptr(20.0), got.Temperature)
	assert.Nil(t, got.Humidity)
	assert.JSONEq(t, `{"a":1}`, string(got.RawPayload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LatestNotFound(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)

	mock.ExpectQuery(selectPattern).WithArgs("FFFF").WillReturnError(pgx.ErrNoRows)

	_, err := repo.LatestReading(context.Background(), "FFFF")
	assert.ErrorIs(t, err, ErrReadingNotFound)
}

func TestRepository_History(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)
	since := testReceivedAt.Add(-time.Hour)

	mock.ExpectQuery(selectPattern).
		WithArgs("AABB", since).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "device_eui", "received_at", "temperature", "humidity", "co2_level", "battery_level",
		}).
			AddRow(int64(1), ptr("AABB"), since.Add(10*time.Minute), ptr(19.5), ptr(41.0), (*float64)(nil), ptr(3.6)).
			AddRow(int64(2), ptr("AABB"), since.Add(20*time.Minute), ptr(19.7), ptr(42.0), ptr(700.0), ptr(3.6)))

	got, err := repo.History(context.Background(), "AABB", since)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Nil(t, got[0].CO2Level)
	assert.Equal(t, ptr(700.0), got[1].CO2Level)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_HistoryQueryError(t *testing.T) {
	repo, mock, _ := newMockRepository(t, false)

	mock.ExpectQuery(selectPattern).WillReturnError(errors.New("canceling statement due to statement timeout"))

	_, err := repo.History(context.Background(), "AABB", testReceivedAt)
	require.Error(t, err)
}

func TestMissingStore(t *testing.T) {
	var store missingStore

	res, err := store.Save(context.Background(), exampleReading())
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
	assert.Equal(t, SaveFailed, res.Outcome)

	_, err = store.LatestReading(context.Background(), "AABB")
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}
