// Package ingest holds the domain model of the event ingestion pipeline: event
// records, candidates extracted from detail pages, reconciliation mutations, run
// summaries, the collaborator interfaces (fetcher, extractor, store) and the
// typed errors that flow between them.
package ingest
