package unpack

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Gunzip decompresses a single gzip stream.
// "x.gz" becomes "x", "x.tgz" becomes "x.tar", anything else gets ".gunzip" appended.
func Gunzip(path string) (string, error) {
	out := OutputName(path, ".gz", ".tgz", ".gunzip")
	return out, decompress(path, out, func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	})
}

// Unxz decompresses an xz stream.
// "x.xz" becomes "x", "x.txz" becomes "x.tar", anything else gets ".unxz" appended.
func Unxz(path string) (string, error) {
	out := OutputName(path, ".xz", ".txz", ".unxz")
	return out, decompress(path, out, func(r io.Reader) (io.ReadCloser, error) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	})
}

// Unzstd decompresses a zstd stream.
// "x.zst" becomes "x", "x.tzst" becomes "x.tar", anything else gets ".unzstd" appended.
func Unzstd(path string) (string, error) {
	out := OutputName(path, ".zst", ".tzst", ".unzstd")
	return out, decompress(path, out, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
}
