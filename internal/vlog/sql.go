package vlog

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time   TIMESTAMP NOT NULL,
    vehicle_type TEXT NOT NULL,
    log_path     TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions (id),
    timestamp  TIMESTAMP NOT NULL,
    kind       TEXT NOT NULL,
    level      TEXT NOT NULL,
    body       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions (id),
    timestamp  TIMESTAMP NOT NULL,
    channel    INTEGER NOT NULL,
    type       TEXT NOT NULL,
    data       TEXT NOT NULL,
    easting    REAL,
    northing   REAL,
    zone       TEXT
);`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_events_session_kind ON events (session_id, kind);
CREATE INDEX IF NOT EXISTS idx_readings_session_type ON readings (session_id, type, timestamp);`

	insertSessionSQL = `
INSERT INTO sessions (start_time, vehicle_type, log_path)
VALUES (?, ?, ?)`

	insertEventSQL = `
INSERT INTO events (session_id, timestamp, kind, level, body)
VALUES (?, ?, ?, ?, ?)`

	insertReadingSQL = `
INSERT INTO readings (session_id, timestamp, channel, type, data, easting, northing, zone)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectReadingsSQL = `
SELECT timestamp, channel, type, data, easting, northing, zone
FROM readings
WHERE session_id = ? AND (? = '' OR type = ?)
ORDER BY timestamp, id`

	selectEventCountsSQL = `
SELECT kind, COUNT(*)
FROM events
WHERE session_id = ?
GROUP BY kind`
)
