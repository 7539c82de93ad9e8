package vlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"airboat/internal/geo"
	"airboat/internal/vehicle"
)

// Store keeps sessions, events and sensor readings in SQLite.
type Store struct {
	dbPath string

	dbOnce sync.Once
	db     *sql.DB
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

// StoredReading is a sensor reading with the pose it was taken at.
type StoredReading struct {
	vehicle.SensorReading
	Pose *geo.Pose
}

func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = fmt.Errorf("vlog: opening database: %w", err)
			return
		}
		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("vlog: initializing schema: %w", err)
			return
		}
		s.db = db
	})
	return s.db, s.dbErr
}

func (s *Store) CreateSession(ctx context.Context, start time.Time, vehicleType, logPath string) (id int64, err error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var path sql.NullString
	if logPath != "" {
		path = sql.NullString{String: logPath, Valid: true}
	}
	res, err := db.ExecContext(ctx, insertSessionSQL, start.UTC(), vehicleType, path)
	if err != nil {
		return 0, fmt.Errorf("vlog: inserting session: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("vlog: getting session ID: %w", err)
	}
	return id, nil
}

func (s *Store) StoreEvent(ctx context.Context, sessionID int64, at time.Time, kind string, level Level, body json.RawMessage) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, insertEventSQL, sessionID, at.UTC(), kind, string(level), string(body)); err != nil {
		return fmt.Errorf("vlog: inserting event: %w", err)
	}
	return nil
}

// StoreReading records r. pose is the vehicle pose at the time of the
// reading when known.
func (s *Store) StoreReading(ctx context.Context, sessionID int64, r vehicle.SensorReading, pose *geo.Pose) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("vlog: marshaling reading: %w", err)
	}
	var e, n sql.NullFloat64
	var zone sql.NullString
	if pose != nil {
		e = sql.NullFloat64{Float64: pose.Easting, Valid: true}
		n = sql.NullFloat64{Float64: pose.Northing, Valid: true}
		zone = sql.NullString{String: pose.Origin.String(), Valid: true}
	}
	if _, err := db.ExecContext(ctx, insertReadingSQL, sessionID, r.At.UTC(), r.Channel, r.Type, string(data), e, n, zone); err != nil {
		return fmt.Errorf("vlog: inserting reading: %w", err)
	}
	return nil
}

// Readings returns the readings of a session in time order. An empty
// sensorType selects all types.
func (s *Store) Readings(ctx context.Context, sessionID int64, sensorType string) (out []StoredReading, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectReadingsSQL, sessionID, sensorType, sensorType)
	if err != nil {
		return nil, fmt.Errorf("vlog: querying readings: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var r StoredReading
		var data string
		var e, n sql.NullFloat64
		var zone sql.NullString
		if err = rows.Scan(&r.At, &r.Channel, &r.Type, &data, &e, &n, &zone); err != nil {
			return nil, fmt.Errorf("vlog: scanning reading: %w", err)
		}
		if err = json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("vlog: decoding reading data: %w", err)
		}
		if e.Valid && n.Valid {
			r.Pose = &geo.Pose{Easting: e.Float64, Northing: n.Float64}
		}
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("vlog: iterating readings: %w", err)
	}
	return out, nil
}

// EventCounts returns the number of events per kind in a session.
func (s *Store) EventCounts(ctx context.Context, sessionID int64) (counts map[string]int, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectEventCountsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("vlog: querying events: %w", err)
	}
	defer closeWithError(rows, &err)

	counts = map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err = rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("vlog: scanning event count: %w", err)
		}
		counts[kind] = n
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.db == nil {
			return
		}
		_, idxErr := s.db.Exec(initIndexesSQL)
		s.closeErr = errors.Join(idxErr, s.db.Close())
		s.db = nil
	})
	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
