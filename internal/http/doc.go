// Package http provides the streaming HTTP client used to fetch artifacts and
// checksum listings.
//
// This package handles:
//   - Connection pooling for parallel downloads
//   - Connect, response-header and idle-read timeouts
//   - Status code classification into sentinel errors
//
// Requests are made exactly once; a timeout or transport failure is returned
// to the caller as is.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    MaxIdleConnsPerHost: 16,
//	    Timeout:             30 * time.Second,
//	})
//
//	resp, err := client.Get(ctx, url)
//	defer resp.Body.Close()
package http
