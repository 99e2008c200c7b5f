package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// RecordSnapshot inserts one archived-page row.
func (s *Store) RecordSnapshot(ctx context.Context, snap ingest.Snapshot) error {
	const op = "postgres.RecordSnapshot"

	headersJSON, err := json.Marshal(normalizeHeaders(snap.Headers))
	if err != nil {
		return fmt.Errorf("%s: marshal headers: %w", op, err)
	}
	_, err = s.pool.Exec(
		ctx,
		`INSERT INTO snapshots (id, run_id, url, hash, blob_uri, status_code, content_type, headers, fetched_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		snap.ID,
		snap.RunID,
		snap.URL,
		snap.Hash,
		snap.BlobURI,
		snap.StatusCode,
		snap.ContentType,
		headersJSON,
		snap.FetchedAt.UTC(),
	)
	if err != nil {
		return mapWriteError(op, snap.ID, err)
	}
	return nil
}

// RecordRun upserts one run summary.
func (s *Store) RecordRun(ctx context.Context, summary ingest.RunSummary) error {
	const op = "postgres.RecordRun"

	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO runs (run_id, started_at, finished_at, discovered, created, updated, touched,
		                   retired, dropped, skipped, failed, canceled, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (run_id) DO UPDATE SET
		   finished_at = EXCLUDED.finished_at,
		   discovered = EXCLUDED.discovered,
		   created = EXCLUDED.created,
		   updated = EXCLUDED.updated,
		   touched = EXCLUDED.touched,
		   retired = EXCLUDED.retired,
		   dropped = EXCLUDED.dropped,
		   skipped = EXCLUDED.skipped,
		   failed = EXCLUDED.failed,
		   canceled = EXCLUDED.canceled,
		   error = EXCLUDED.error`,
		summary.RunID,
		summary.StartedAt.UTC(),
		summary.FinishedAt.UTC(),
		summary.Discovered,
		summary.Created,
		summary.Updated,
		summary.Touched,
		summary.Retired,
		summary.Dropped,
		summary.Skipped,
		summary.Failed,
		summary.Canceled,
		summary.Error,
	)
	if err != nil {
		return ingest.Unavailable(op, err)
	}
	return nil
}

// ListRuns returns up to limit summaries, most recent first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ingest.RunSummary, error) {
	const op = "postgres.ListRuns"

	query := `SELECT run_id, started_at, finished_at, discovered, created, updated, touched,
	                 retired, dropped, skipped, failed, canceled, error
	            FROM runs
	           ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ingest.Unavailable(op, err)
	}
	defer rows.Close()

	runs := make([]ingest.RunSummary, 0)
	for rows.Next() {
		var summary ingest.RunSummary
		if err := rows.Scan(
			&summary.RunID,
			&summary.StartedAt,
			&summary.FinishedAt,
			&summary.Discovered,
			&summary.Created,
			&summary.Updated,
			&summary.Touched,
			&summary.Retired,
			&summary.Dropped,
			&summary.Skipped,
			&summary.Failed,
			&summary.Canceled,
			&summary.Error,
		); err != nil {
			return nil, ingest.Unavailable(op, err)
		}
		summary.StartedAt = summary.StartedAt.UTC()
		summary.FinishedAt = summary.FinishedAt.UTC()
		runs = append(runs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, ingest.Unavailable(op, err)
	}
	return runs, nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}

var (
	_ ingest.SnapshotLog = (*Store)(nil)
	_ ingest.RunLog      = (*Store)(nil)
)
