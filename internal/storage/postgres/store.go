// Package postgres provides a Postgres-backed event store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const eventColumns = `id, source_url, title, description, date, venue, city, image_url,
	source_name, status, last_scraped, created_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists events, subscriptions, snapshots and run summaries in Postgres.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts one event record.
func (s *Store) Create(ctx context.Context, rec ingest.EventRecord) error {
	const op = "postgres.Create"

	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID,
		rec.SourceURL,
		rec.Title,
		rec.Description,
		rec.Date.UTC(),
		rec.Venue,
		rec.City,
		rec.ImageURL,
		rec.SourceName,
		string(rec.Status),
		rec.LastScraped.UTC(),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return mapWriteError(op, rec.SourceURL, err)
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (ingest.EventRecord, error) {
	const op = "postgres.Get"

	rec, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return ingest.EventRecord{}, mapReadError(op, id, err)
	}
	return rec, nil
}

// GetBySourceURL returns one record by canonical source URL.
func (s *Store) GetBySourceURL(ctx context.Context, sourceURL string) (ingest.EventRecord, error) {
	const op = "postgres.GetBySourceURL"

	rec, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE source_url = $1`, sourceURL))
	if err != nil {
		return ingest.EventRecord{}, mapReadError(op, sourceURL, err)
	}
	return rec, nil
}

// Update merges patch into the stored row in a single statement. last_scraped only
// moves forward.
func (s *Store) Update(ctx context.Context, id string, patch ingest.EventPatch) (ingest.EventRecord, error) {
	const op = "postgres.Update"

	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	row := s.pool.QueryRow(
		ctx,
		`UPDATE events SET
		   title = COALESCE($1, title),
		   description = COALESCE($2, description),
		   date = COALESCE($3, date),
		   venue = COALESCE($4, venue),
		   image_url = COALESCE($5, image_url),
		   status = COALESCE($6, status),
		   last_scraped = GREATEST(last_scraped, COALESCE($7, last_scraped))
		 WHERE id = $8
		 RETURNING `+eventColumns,
		patch.Title,
		patch.Description,
		utcPtr(patch.Date),
		patch.Venue,
		patch.ImageURL,
		status,
		utcPtr(patch.LastScraped),
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
	const op = "postgres.List"

	where, args := buildWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return ingest.ListResult{}, ingest.Unavailable(op, err)
	}

	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY date ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
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

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return ingest.Unavailable("postgres.Ping", err)
	}
	return nil
}

// CreateSubscription appends one subscription row.
func (s *Store) CreateSubscription(ctx context.Context, sub ingest.SubscriptionRecord) error {
	const op = "postgres.CreateSubscription"

	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO subscriptions (id, email, event_id, event_title, consent, subscribed_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		sub.ID,
		sub.Email,
		sub.EventID,
		sub.EventTitle,
		sub.Consent,
		sub.SubscribedAt.UTC(),
	)
	if err != nil {
		return mapWriteError(op, sub.ID, err)
	}
	return nil
}

func scanEvent(row pgx.Row) (ingest.EventRecord, error) {
	var (
		rec    ingest.EventRecord
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.SourceURL,
		&rec.Title,
		&rec.Description,
		&rec.Date,
		&rec.Venue,
		&rec.City,
		&rec.ImageURL,
		&rec.SourceName,
		&status,
		&rec.LastScraped,
		&rec.CreatedAt,
	)
	if err != nil {
		return ingest.EventRecord{}, err
	}
	rec.Status = ingest.Status(status)
	rec.Date = rec.Date.UTC()
	rec.LastScraped = rec.LastScraped.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func buildWhere(filter ingest.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.City != "" {
		clauses = append(clauses, "city ILIKE "+next(likePattern(filter.City)))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = "+next(string(filter.Status)))
	}
	if filter.Search != "" {
		p := next(likePattern(filter.Search))
		clauses = append(clauses, "(title ILIKE "+p+" OR venue ILIKE "+p+" OR description ILIKE "+p+")")
	}
	if filter.DateFrom != nil {
		clauses = append(clauses, "date >= "+next(filter.DateFrom.UTC()))
	}
	if filter.DateTo != nil {
		clauses = append(clauses, "date <= "+next(filter.DateTo.UTC()))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(value string) string {
	return "%" + likeEscaper.Replace(value) + "%"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func mapReadError(op, key string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, key, ingest.ErrNotFound)
	}
	return ingest.Unavailable(op, err)
}

func mapWriteError(op, key string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", op, key, ingest.ErrDuplicateKey)
	}
	return ingest.Unavailable(op, err)
}

var (
	_ ingest.Store             = (*Store)(nil)
	_ ingest.SubscriptionStore = (*Store)(nil)
)
