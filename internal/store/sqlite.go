package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"stridesync/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Open opens the SQLite database at path with WAL enabled and a single writer connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist. Timestamps are unix seconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY,
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  token_expires_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS activities (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL,
  external_id INTEGER NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  sport_type TEXT NOT NULL DEFAULT '',
  start_date INTEGER NOT NULL,
  distance REAL NOT NULL DEFAULT 0,
  moving_time INTEGER NOT NULL DEFAULT 0,
  elapsed_time INTEGER NOT NULL DEFAULT 0,
  total_elevation_gain REAL NOT NULL DEFAULT 0,
  streams_data TEXT,
  laps_data TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(user_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_activities_user_start ON activities(user_id, start_date DESC);
CREATE TABLE IF NOT EXISTS sync_state (
  user_id INTEGER PRIMARY KEY,
  status TEXT NOT NULL CHECK(status IN ('idle','syncing','complete','error')) DEFAULT 'idle',
  started_at INTEGER,
  completed_at INTEGER,
  processed_activities INTEGER NOT NULL DEFAULT 0,
  total_activities INTEGER NOT NULL DEFAULT 0,
  last_activity_at INTEGER,
  error TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "ensure schema")
}

type SQLiteStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, timeNow: time.Now}
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) now() int64 { return s.timeNow().Unix() }

// UpsertUser stores a user's provider credentials, creating the user if needed.
func (s *SQLiteStore) UpsertUser(ctx context.Context, c domain.Credentials) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, access_token, refresh_token, token_expires_at, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  access_token=excluded.access_token,
  refresh_token=excluded.refresh_token,
  token_expires_at=excluded.token_expires_at,
  updated_at=excluded.updated_at`,
		c.UserID, c.AccessToken, c.RefreshToken, unixOrNull(c.ExpiresAt), now, now)
	return errors.Wrapf(err, "upsert user %d", c.UserID)
}

func (s *SQLiteStore) GetUserCredentials(ctx context.Context, userID int64) (domain.Credentials, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, access_token, refresh_token, token_expires_at FROM users WHERE id=?`, userID)
	var c domain.Credentials
	var expires sql.NullInt64
	if err := row.Scan(&c.UserID, &c.AccessToken, &c.RefreshToken, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Credentials{}, errors.Wrapf(ErrNotFound, "user %d", userID)
		}
		return domain.Credentials{}, errors.Wrapf(err, "get credentials for user %d", userID)
	}
	if expires.Valid {
		c.ExpiresAt = time.Unix(expires.Int64, 0).UTC()
	}
	return c, nil
}

func (s *SQLiteStore) UpdateUserCredentials(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET access_token=?, refresh_token=?, token_expires_at=?, updated_at=? WHERE id=?`,
		accessToken, refreshToken, unixOrNull(expiresAt), s.now(), userID)
	if err != nil {
		return errors.Wrapf(err, "update credentials for user %d", userID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "user %d", userID)
	}
	return nil
}

// ListUserIDs returns every user with stored credentials.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan user id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const recordColumns = `id,user_id,external_id,name,sport_type,start_date,distance,moving_time,elapsed_time,total_elevation_gain,streams_data,laps_data,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var r domain.Record
	var start, created, updated int64
	var streams, laps sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &r.ExternalID, &r.Name, &r.SportType, &start, &r.Distance,
		&r.MovingTime, &r.ElapsedTime, &r.TotalElevationGain, &streams, &laps, &created, &updated)
	if err != nil {
		return domain.Record{}, err
	}
	r.StartDate = time.Unix(start, 0).UTC()
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	if streams.Valid {
		r.StreamsData = json.RawMessage(streams.String)
	}
	if laps.Valid {
		r.LapsData = json.RawMessage(laps.String)
	}
	return r, nil
}

func (s *SQLiteStore) GetRecordByExternalID(ctx context.Context, externalID, userID int64) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM activities WHERE external_id=? AND user_id=?`, externalID, userID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, errors.Wrapf(ErrNotFound, "activity %d", externalID)
	}
	return r, errors.Wrapf(err, "get activity %d", externalID)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID int64) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM activities WHERE id=?`, recordID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, errors.Wrapf(ErrNotFound, "record %d", recordID)
	}
	return r, errors.Wrapf(err, "get record %d", recordID)
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, r domain.Record) (domain.Record, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO activities (user_id,external_id,name,sport_type,start_date,distance,moving_time,elapsed_time,total_elevation_gain,streams_data,laps_data,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.UserID, r.ExternalID, r.Name, r.SportType, r.StartDate.Unix(), r.Distance, r.MovingTime,
		r.ElapsedTime, r.TotalElevationGain, rawOrNull(r.StreamsData), rawOrNull(r.LapsData), now, now)
	if err != nil {
		return domain.Record{}, errors.Wrapf(err, "create activity %d", r.ExternalID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Record{}, errors.Wrap(err, "last insert id")
	}
	r.ID = id
	r.StartDate = time.Unix(r.StartDate.Unix(), 0).UTC()
	r.CreatedAt = time.Unix(now, 0).UTC()
	r.UpdatedAt = r.CreatedAt
	return r, nil
}

// UpdateRecord applies the non-nil fields of patch.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, recordID int64, patch domain.RecordPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	var sets []string
	var args []any
	if patch.StreamsData != nil {
		sets = append(sets, "streams_data=?")
		args = append(args, string(patch.StreamsData))
	}
	if patch.LapsData != nil {
		sets = append(sets, "laps_data=?")
		args = append(args, string(patch.LapsData))
	}
	sets = append(sets, "updated_at=?")
	args = append(args, s.now(), recordID)

	res, err := s.db.ExecContext(ctx, `UPDATE activities SET `+strings.Join(sets, ",")+` WHERE id=?`, args...)
	if err != nil {
		return errors.Wrapf(err, "update record %d", recordID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "record %d", recordID)
	}
	return nil
}

// GetMostRecentRecordTimestamp returns the newest start date stored for the user, or nil if none.
func (s *SQLiteStore) GetMostRecentRecordTimestamp(ctx context.Context, userID int64) (*time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(start_date) FROM activities WHERE user_id=?`, userID).Scan(&latest)
	if err != nil {
		return nil, errors.Wrapf(err, "most recent activity for user %d", userID)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := time.Unix(latest.Int64, 0).UTC()
	return &t, nil
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func rawOrNull(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
