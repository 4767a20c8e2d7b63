// Package unpack applies decompression and extraction steps to downloaded files.
//
// Each step reads one path and produces another; [Chain] feeds the output of
// one step into the next. Output names are derived from input names so that
// re-running a chain over the same download overwrites the same files.
package unpack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Kind names an unpack step.
type Kind string

// Supported kinds.
const (
	Gzip Kind = "gz"
	Tar  Kind = "tar"
	Xz   Kind = "xz"
	Zstd Kind = "zst"
)

// ErrUnknownKind is returned for an unpack step that is not one of the supported kinds.
var ErrUnknownKind = errors.New("unpack: unknown kind")

// bufferSize is the chunk size used when streaming decompressed output.
const bufferSize = 1024 * 1024

// Step transforms the file at path and returns the path of its output.
type Step func(path string) (string, error)

var steps = map[Kind]Step{
	Gzip: Gunzip,
	Tar:  Untar,
	Xz:   Unxz,
	Zstd: Unzstd,
}

// Known reports whether k is a supported kind.
func Known(k Kind) bool {
	_, ok := steps[k]
	return ok
}

// Apply runs a single step of kind k on path.
func Apply(k Kind, path string) (string, error) {
	step, ok := steps[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	out, err := step(path)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", k, path, err)
	}
	return out, nil
}

// Chain runs kinds in order, each on the previous step's output, and returns the final path.
func Chain(path string, kinds []Kind) (string, error) {
	for _, k := range kinds {
		out, err := Apply(k, path)
		if err != nil {
			return "", err
		}
		path = out
	}
	return path, nil
}

// OutputName derives a decompressed file name from in.
// A trailing ext is stripped, a trailing tarExt is replaced by ".tar",
// and anything else gets fallback appended.
func OutputName(in, ext, tarExt, fallback string) string {
	switch {
	case strings.HasSuffix(in, ext):
		return strings.TrimSuffix(in, ext)
	case tarExt != "" && strings.HasSuffix(in, tarExt):
		return strings.TrimSuffix(in, tarExt) + ".tar"
	default:
		return in + fallback
	}
}

// decompress streams the decoded contents of in into out.
func decompress(in, out string, open func(io.Reader) (io.ReadCloser, error)) (err error) {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := open(src)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer r.Close()

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err := io.CopyBuffer(dst, r, make([]byte, bufferSize)); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}
