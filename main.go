// The main package for the event-ingest executable.
//
// The serve command runs the cron scheduler and the JSON API in one process:
// each run fetches the configured listing page, discovers detail links under
// source.link_prefix, and visits them one at a time with a per-host politeness
// delay. Every detail page is extracted into a candidate and reconciled against
// the stored record for its source URL. Retired (inactive) records are never
// revived by a crawl; operators can reopen them through PATCH
// /v1/events/{id}/status.
//
// The crawl command performs a single pass and prints the run summary, which
// suits Cloud Run jobs or an external cron.
//
// Configuration comes from an optional YAML file plus INGEST_* environment
// variables; PORT overrides server.port.
package main

import (
	"os"

	"github.com/JakeFAU/event-ingest/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
