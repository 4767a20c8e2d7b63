package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/steveb/imagetter/internal/checksum"
	"github.com/steveb/imagetter/internal/task"
)

// Mirror object metadata keys.
const (
	MetaChecksum     = "checksum"
	MetaChecksumAlgo = "checksum_algo"
	MetaSourceURL    = "source_url"
	MetaRunID        = "run_id"
)

// MirrorKey returns the object key an artifact is mirrored to.
func MirrorKey(t *task.Task, localPath string) string {
	name := filepath.Base(localPath)
	if t.TargetSubdir == "" {
		return name
	}
	return path.Join(filepath.ToSlash(t.TargetSubdir), name)
}

// mirror uploads the artifact at localPath unless the bucket already holds an
// object with the same checksum. sum is computed if empty.
func (e *Executor) mirror(ctx context.Context, t *task.Task, localPath, sum string) error {
	key := MirrorKey(t, localPath)
	algo := t.Algorithm()

	if sum == "" {
		var err error
		sum, err = checksum.FileDigest(localPath, algo, int(e.opts.ChunkSize))
		if err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}

	attrs, err := e.opts.Mirror.Attributes(ctx, key)
	switch {
	case err == nil:
		if attrs.Metadata[MetaChecksumAlgo] == string(algo) && checksum.Equal(attrs.Metadata[MetaChecksum], sum) {
			e.opts.Log.Debugf("%s: mirror %s is current", t.URL, key)
			return nil
		}
	case gcerrors.Code(err) == gcerrors.NotFound:
	default:
		return fmt.Errorf("mirror: stat %s: %w", key, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	defer f.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := e.opts.Mirror.NewWriter(wctx, key, &blob.WriterOptions{
		Metadata: map[string]string{
			MetaChecksum:     sum,
			MetaChecksumAlgo: string(algo),
			MetaSourceURL:    t.URL,
			MetaRunID:        e.opts.RunID,
		},
	})
	if err != nil {
		return fmt.Errorf("mirror: create writer for %s: %w", key, err)
	}

	buf := make([]byte, e.opts.ChunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		// Cancel before Close so the partial object is discarded.
		cancel()
		w.Close()
		return fmt.Errorf("mirror: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mirror: upload %s: %w", key, err)
	}

	e.opts.Log.Infof("%s: mirrored to %s", t.URL, key)
	return nil
}
