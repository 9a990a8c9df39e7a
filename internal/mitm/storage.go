package mitm

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteStorage is the default Storage: a single SQLite database in WAL
// mode (journal_mode=WAL, a busy_timeout DSN param), one writer,
// concurrent readers for the CLI's trace query commands.
type sqliteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (or creates) the trace database at path.
func OpenSQLiteStorage(path string) (Storage, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening mitm trace store %s: %w", path, err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS traces (
			id               TEXT PRIMARY KEY,
			traffic_type     TEXT NOT NULL DEFAULT '',
			method           TEXT NOT NULL DEFAULT '',
			url              TEXT NOT NULL DEFAULT '',
			host             TEXT NOT NULL DEFAULT '',
			path             TEXT NOT NULL DEFAULT '',
			request_headers  TEXT NOT NULL DEFAULT '{}',
			request_body     BLOB,
			request_body_len INTEGER NOT NULL DEFAULT 0,
			content_type     TEXT NOT NULL DEFAULT '',
			started_at       TEXT NOT NULL DEFAULT '',
			status_code      INTEGER NOT NULL DEFAULT 0,
			response_headers TEXT NOT NULL DEFAULT '{}',
			response_body    BLOB,
			response_body_len INTEGER NOT NULL DEFAULT 0,
			duration_ms      REAL NOT NULL DEFAULT 0,
			error_message    TEXT NOT NULL DEFAULT '',
			ended_at         TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_traces_traffic_type ON traces(traffic_type);
		CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating mitm trace schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) CreateTrace(t *Trace) error {
	headers, _ := json.Marshal(t.RequestHeaders)
	_, err := s.db.Exec(
		`INSERT INTO traces (id, traffic_type, method, url, host, path, request_headers, request_body, request_body_len, content_type, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TrafficType, t.Method, t.URL, t.Host, t.Path, string(headers), t.RequestBody, t.RequestBodyLen, t.ContentType, t.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting trace %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqliteStorage) CompleteTrace(id string, c Completion) error {
	headers, _ := json.Marshal(c.ResponseHeaders)
	_, err := s.db.Exec(
		`UPDATE traces SET status_code = ?, response_headers = ?, response_body = ?, response_body_len = ?, duration_ms = ?, error_message = ?, ended_at = ?, content_type = CASE WHEN ? <> '' THEN ? ELSE content_type END WHERE id = ?`,
		c.StatusCode, string(headers), c.ResponseBody, len(c.ResponseBody), c.DurationMS, c.ErrorMessage, c.EndedAt.Format(timeLayout), c.ContentType, c.ContentType, id,
	)
	if err != nil {
		return fmt.Errorf("completing trace %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

// QueryParams filters a trace query.
type QueryParams struct {
	TrafficType string
	Limit       int
}

// Querier is implemented by Storage backends that can answer `trace
// tail`/`trace query`. Kept separate from Storage (the addon's
// write-only dependency) so a nil Storage configuration never needs to
// satisfy it.
type Querier interface {
	Query(params QueryParams) ([]Trace, error)
}

// Query retrieves traces newest-first, optionally filtered by traffic
// type and capped at params.Limit.
func (s *sqliteStorage) Query(params QueryParams) ([]Trace, error) {
	query := `SELECT id, traffic_type, method, url, host, path, request_headers, request_body_len,
		content_type, started_at, status_code, response_headers, response_body_len, duration_ms,
		error_message, ended_at FROM traces WHERE 1=1`
	var args []any

	if params.TrafficType != "" {
		query += " AND traffic_type = ?"
		args = append(args, params.TrafficType)
	}
	query += " ORDER BY started_at DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mitm trace store: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var t Trace
		var reqHeaders, respHeaders, startedAt, endedAt string
		if err := rows.Scan(&t.ID, &t.TrafficType, &t.Method, &t.URL, &t.Host, &t.Path, &reqHeaders,
			&t.RequestBodyLen, &t.ContentType, &startedAt, &t.StatusCode, &respHeaders,
			&t.ResponseBodyLen, &t.DurationMS, &t.ErrorMessage, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning trace row: %w", err)
		}
		_ = json.Unmarshal([]byte(reqHeaders), &t.RequestHeaders)
		_ = json.Unmarshal([]byte(respHeaders), &t.ResponseHeaders)
		t.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if endedAt != "" {
			t.EndedAt, _ = time.Parse(timeLayout, endedAt)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"
