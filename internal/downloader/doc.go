// Package downloader fetches, verifies and unpacks the artifacts of a manifest.
//
// A run has two phases separated by a barrier:
//
//   - Discover looks up missing checksums in remote checksum listings.
//     A lookup that fails is logged and the task continues unverified.
//   - Fetch decides, per task, whether the local file can be kept, then
//     downloads, verifies, unpacks and optionally mirrors it.
//
// Both phases run at most min(len(tasks), Concurrency) tasks at once. Tasks
// never cancel each other: every task settles and Run returns the first
// failure in completion order.
//
// # Usage
//
//	err := downloader.Run(ctx, cfg.Downloads, downloader.Options{
//	    Target:      "/srv/images",
//	    Concurrency: 4,
//	    Log:         log,
//	})
//
// # Idempotence
//
// With download_policy "checksum" and a known checksum, an existing file
// whose digest matches is kept without any network request. With policy
// "missing", any existing file is kept.
package downloader
