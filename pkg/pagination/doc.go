// Package pagination downloads a LogicalId range from a paginated source.
//
// A range is resolved to page coordinates through an index.Indexer, grouped so
// each page is fetched once, and the page fetches are spread over a bounded
// worker pool that lives only for one Download call.
//
// Example usage:
//
//	config := pagination.DefaultConfig()
//	dl := pagination.NewDownloader(pageClient, config)
//	records, err := dl.Download(ctx, ranges.New(1, 501), index.New(shape))
//
// The downloader:
//   - Groups consecutive ids by page and sorts the requested positions
//   - Spawns up to MaxConcurrency workers (default 8)
//   - Retries transient page failures with a fixed delay
//   - Returns records in ascending LogicalId order
//   - Fails the whole range if any page fails (no partial results)
package pagination
