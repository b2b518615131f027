// ABOUTME: SQLite-backed history of completed digests keyed by ULID.
// ABOUTME: Stores the full digest payload as JSON; list queries return lightweight summaries.
package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/tavily-ai/market-researcher/digest"
)

// ErrNotFound reports a digest ID with no stored record.
var ErrNotFound = errors.New("digest not found")

// DigestSummary is a row from the digests table for list queries.
type DigestSummary struct {
	ID          string   `json:"id"`
	Tickers     []string `json:"tickers"`
	GeneratedAt string   `json:"generated_at"`
	CreatedAt   string   `json:"created_at"`
}

// DigestRecord is one stored digest with its full payload.
type DigestRecord struct {
	DigestSummary
	Payload json.RawMessage `json:"digest"`
}

// Store persists completed digests. It is a history cache, not the
// source of truth; the engine stays storage-free.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the digest history database at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS digests (
			digest_id TEXT PRIMARY KEY,
			tickers TEXT NOT NULL,
			generated_at TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDigest stores a completed digest and returns its new ID.
func (s *Store) SaveDigest(tickers []string, out *digest.Output) (string, error) {
	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal digest: %w", err)
	}

	id := ulid.Make().String()
	_, err = s.db.Exec(
		`INSERT INTO digests (digest_id, tickers, generated_at, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id,
		strings.Join(tickers, ","),
		out.GeneratedAt,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert digest: %w", err)
	}
	return id, nil
}

// ListDigests returns summaries of the most recent digests, newest first.
func (s *Store) ListDigests(limit int) ([]DigestSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT digest_id, tickers, generated_at, created_at
		 FROM digests ORDER BY digest_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	summaries := []DigestSummary{}
	for rows.Next() {
		var row DigestSummary
		var tickers string
		if err := rows.Scan(&row.ID, &tickers, &row.GeneratedAt, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan digest row: %w", err)
		}
		if tickers != "" {
			row.Tickers = strings.Split(tickers, ",")
		} else {
			row.Tickers = []string{}
		}
		summaries = append(summaries, row)
	}
	return summaries, rows.Err()
}

// GetDigest returns one stored digest by ID.
func (s *Store) GetDigest(id string) (*DigestRecord, error) {
	var rec DigestRecord
	var tickers, payload string
	err := s.db.QueryRow(
		`SELECT digest_id, tickers, generated_at, created_at, payload
		 FROM digests WHERE digest_id = ?`, id,
	).Scan(&rec.ID, &tickers, &rec.GeneratedAt, &rec.CreatedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get digest %s: %w", id, err)
	}
	if tickers != "" {
		rec.Tickers = strings.Split(tickers, ",")
	} else {
		rec.Tickers = []string{}
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// GetOverview returns the stored digest's market overview markdown.
func (s *Store) GetOverview(id string) (string, error) {
	rec, err := s.GetDigest(id)
	if err != nil {
		return "", err
	}
	var out digest.Output
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return "", fmt.Errorf("decode digest %s: %w", id, err)
	}
	return out.MarketOverview, nil
}
