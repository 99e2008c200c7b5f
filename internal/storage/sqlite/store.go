// Package sqlite provides a SQLite-backed event store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

//go:embed schema.sql
var schema string

const eventColumns = `id, source_url, title, description, date, venue, city, image_url,
	source_name, status, last_scraped, created_at`

// Store persists events and subscriptions in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database file at path and applies the embedded schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// New wraps an existing handle whose schema is already in place.
func New(sqlDB *sql.DB) *Store {
	return &Store{sqlDB: sqlDB}
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Create inserts one event record.
func (s *Store) Create(ctx context.Context, rec ingest.EventRecord) error {
	const op = "sqlite.Create"

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SourceURL,
		rec.Title,
		rec.Description,
		toMillis(rec.Date),
		rec.Venue,
		rec.City,
		rec.ImageURL,
		rec.SourceName,
		string(rec.Status),
		toMillis(rec.LastScraped),
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", op, rec.SourceURL, ingest.ErrDuplicateKey)
		}
		return ingest.Unavailable(op, err)
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (ingest.EventRecord, error) {
	const op = "sqlite.Get"

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	rec, err := scanEvent(row)
	if err != nil {
		return ingest.EventRecord{}, mapReadError(op, id, err)
	}
	return rec, nil
}

// GetBySourceURL returns one record by canonical source URL.
func (s *Store) GetBySourceURL(ctx context.Context, sourceURL string) (ingest.EventRecord, error) {
	const op = "sqlite.GetBySourceURL"

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE source_url = ?`, sourceURL)
	rec, err := scanEvent(row)
	if err != nil {
		return ingest.EventRecord{}, mapReadError(op, sourceURL, err)
	}
	return rec, nil
}

// Update merges patch into the stored row in a single statement. last_scraped only
// moves forward.
func (s *Store) Update(ctx context.Context, id string, patch ingest.EventPatch) (ingest.EventRecord, error) {
	const op = "sqlite.Update"

	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`UPDATE events SET
		   title = COALESCE(?, title),
		   description = COALESCE(?, description),
		   date = COALESCE(?, date),
		   venue = COALESCE(?, venue),
		   image_url = COALESCE(?, image_url),
		   status = COALESCE(?, status),
		   last_scraped = MAX(last_scraped, COALESCE(?, last_scraped))
		 WHERE id = ?
		 RETURNING `+eventColumns,
		nullableString(patch.Title),
		nullableString(patch.Description),
		nullableMillis(patch.Date),
		nullableString(patch.Venue),
		nullableString(patch.ImageURL),
		status,
		nullableMillis(patch.LastScraped),
		id,
	)
	rec, err := scanEvent(row)
	if err != nil {
		return ingest.EventRecord{}, mapReadError(op, id, err)
	}
	return rec, nil
}

// List returns one page of records matching filter ordered by date.
func (s *Store) List(ctx context.Context, filter ingest.Filter) (ingest.ListResult, error) {
	const op = "sqlite.List"

	where, args := buildWhere(filter)

	var total int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return ingest.ListResult{}, ingest.Unavailable(op, err)
	}

	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	pageArgs := append(append([]any(nil), args...), limit, max(filter.Offset, 0))
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events`+where+` ORDER BY date ASC, id ASC LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return ingest.ListResult{}, ingest.Unavailable(op, err)
	}
	defer rows.Close()

	records := make([]ingest.EventRecord, 0)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return ingest.ListResult{}, ingest.Unavailable(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return ingest.ListResult{}, ingest.Unavailable(op, err)
	}
	return ingest.ListResult{Records: records, Total: total}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return ingest.Unavailable("sqlite.Ping", err)
	}
	return nil
}

// CreateSubscription appends one subscription row.
func (s *Store) CreateSubscription(ctx context.Context, sub ingest.SubscriptionRecord) error {
	const op = "sqlite.CreateSubscription"

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO subscriptions (id, email, event_id, event_title, consent, subscribed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.Email,
		sub.EventID,
		sub.EventTitle,
		sub.Consent,
		toMillis(sub.SubscribedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", op, sub.ID, ingest.ErrDuplicateKey)
		}
		return ingest.Unavailable(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ingest.EventRecord, error) {
	var (
		rec         ingest.EventRecord
		status      string
		date        int64
		lastScraped int64
		createdAt   int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.SourceURL,
		&rec.Title,
		&rec.Description,
		&date,
		&rec.Venue,
		&rec.City,
		&rec.ImageURL,
		&rec.SourceName,
		&status,
		&lastScraped,
		&createdAt,
	)
	if err != nil {
		return ingest.EventRecord{}, err
	}
	rec.Status = ingest.Status(status)
	rec.Date = fromMillis(date)
	rec.LastScraped = fromMillis(lastScraped)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

func buildWhere(filter ingest.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.City != "" {
		clauses = append(clauses, `lower(city) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.City))
	}
	if filter.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		clauses = append(clauses,
			`(lower(title) LIKE ? ESCAPE '\' OR lower(venue) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if filter.DateFrom != nil {
		clauses = append(clauses, `date >= ?`)
		args = append(args, toMillis(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		clauses = append(clauses, `date <= ?`)
		args = append(args, toMillis(*filter.DateTo))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(value string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(value)) + "%"
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func mapReadError(op, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, key, ingest.ErrNotFound)
	}
	return ingest.Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ ingest.Store             = (*Store)(nil)
	_ ingest.SubscriptionStore = (*Store)(nil)
)
