// Package download runs the page fetches of one document through a bounded
// worker pool.
//
// Example usage:
//
//	cfg := download.DefaultConfig(folder)
//	coord, err := download.NewCoordinator(pageFetcher, cfg)
//	summary, err := coord.Run(ctx, m.DocumentID, m, manifest.Range{Start: 3, End: 5})
//
// The coordinator:
//   - Validates the range before any request is made
//   - Writes the page order ledger for the selected range
//   - Spawns a worker pool (default 5 workers) fed by a queue channel
//   - Skips pages already on disk when SkipExisting is set
//   - Reports every page exactly once (log line, progress, reporter, metrics)
//
// Failed pages never fail the run; they are counted in the Summary.
package download
