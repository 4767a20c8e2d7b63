// Package checksum discovers and computes artifact checksums.
//
// # Discovery
//
// Checksum listings (SHA256SUMS, MD5SUMS, BSD-style "SHA256 (file) = ..." files)
// are scanned line by line with [Match]. Lines that do not mention the file,
// and comment lines, are ignored. Each remaining line is tried against three
// shapes in priority order:
//
//	<md5>     <file>      32 hex digits at the start of the line
//	<sha256>  <file>      64 hex digits at the start of the line
//	<file> ... <sha256>   64 hex digits at the end of the line
//
// The first line that matches wins.
//
// # Digests
//
// [Digest] accumulates a streaming hash for one of the supported algorithms:
//
//	d, err := checksum.NewDigest(checksum.SHA256)
//	io.Copy(d, body)
//	sum := d.Sum()
package checksum
