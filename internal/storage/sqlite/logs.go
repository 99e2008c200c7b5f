package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// RecordSnapshot appends one archived-page row.
func (s *Store) RecordSnapshot(ctx context.Context, snap ingest.Snapshot) error {
	const op = "sqlite.RecordSnapshot"

	headersJSON, err := json.Marshal(normalizeHeaders(snap.Headers))
	if err != nil {
		return fmt.Errorf("%s: marshal headers: %w", op, err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO snapshots (id, run_id, url, hash, blob_uri, status_code, content_type, headers, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.RunID,
		snap.URL,
		snap.Hash,
		snap.BlobURI,
		snap.StatusCode,
		snap.ContentType,
		string(headersJSON),
		toMillis(snap.FetchedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", op, snap.ID, ingest.ErrDuplicateKey)
		}
		return ingest.Unavailable(op, err)
	}
	return nil
}

// RecordRun upserts one run summary.
func (s *Store) RecordRun(ctx context.Context, summary ingest.RunSummary) error {
	const op = "sqlite.RecordRun"

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO runs (run_id, started_at, finished_at, discovered, created, updated, touched,
		                   retired, dropped, skipped, failed, canceled, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   finished_at = excluded.finished_at,
		   discovered = excluded.discovered,
		   created = excluded.created,
		   updated = excluded.updated,
		   touched = excluded.touched,
		   retired = excluded.retired,
		   dropped = excluded.dropped,
		   skipped = excluded.skipped,
		   failed = excluded.failed,
		   canceled = excluded.canceled,
		   error = excluded.error`,
		summary.RunID,
		toMillis(summary.StartedAt),
		toMillis(summary.FinishedAt),
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
	const op = "sqlite.ListRuns"

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT run_id, started_at, finished_at, discovered, created, updated, touched,
		        retired, dropped, skipped, failed, canceled, error
		   FROM runs
		  ORDER BY started_at DESC, run_id DESC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, ingest.Unavailable(op, err)
	}
	defer rows.Close()

	runs := make([]ingest.RunSummary, 0)
	for rows.Next() {
		var (
			summary    ingest.RunSummary
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(
			&summary.RunID,
			&startedAt,
			&finishedAt,
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
		summary.StartedAt = fromMillis(startedAt)
		summary.FinishedAt = fromMillis(finishedAt)
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
