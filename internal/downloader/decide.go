package downloader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/steveb/imagetter/internal/checksum"
	"github.com/steveb/imagetter/internal/task"
)

// Decision is the outcome of comparing a task with what is already on disk.
type Decision struct {
	// Path is the local file the task writes.
	Path string

	// Download is false when the existing file is kept.
	Download bool
}

// Decide works out where t's artifact lives under root and whether it must be
// downloaded. It creates t.TargetSubdir if needed and never touches the network.
//
// An existing file with policy "checksum" and a known checksum is verified;
// on mismatch it is deleted.
func Decide(t *task.Task, root string, chunkSize int, log Logger) (Decision, error) {
	name, err := t.Filename()
	if err != nil {
		return Decision{}, err
	}

	dir := root
	if t.TargetSubdir != "" {
		dir = filepath.Join(root, t.TargetSubdir)
		if err := ensureDir(dir); err != nil {
			return Decision{}, err
		}
	}
	d := Decision{Path: filepath.Join(dir, name)}

	info, err := os.Stat(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		d.Download = true
		return d, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("stat %s: %w", d.Path, err)
	}
	if info.IsDir() {
		return Decision{}, fmt.Errorf("%w: %s is a directory", ErrInvalidTarget, d.Path)
	}

	switch {
	case t.DownloadPolicy == task.PolicyMissing:
		log.Debugf("%s exists, policy %s", d.Path, t.DownloadPolicy)
		return d, nil

	case t.DownloadPolicy == task.PolicyChecksum && t.HasChecksum():
		sum, err := checksum.FileDigest(d.Path, t.Algorithm(), chunkSize)
		if err != nil {
			return Decision{}, fmt.Errorf("verify %s: %w", d.Path, err)
		}
		if checksum.Equal(sum, t.Checksum) {
			log.Debugf("%s exists with matching %s checksum", d.Path, t.Algorithm())
			return d, nil
		}
		log.Infof("%s exists with %s checksum %s, expected %s; removing", d.Path, t.Algorithm(), sum, t.Checksum)
		if err := os.Remove(d.Path); err != nil {
			return Decision{}, fmt.Errorf("remove %s: %w", d.Path, err)
		}
	}

	d.Download = true
	return d, nil
}

// CheckTarget verifies that root exists and is a directory.
func CheckTarget(root string) error {
	if root == "" {
		return fmt.Errorf("%w: no target directory given", ErrInvalidTarget)
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrInvalidTarget, root)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidTarget, root)
	}
	return nil
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrInvalidTarget, dir)
		}
		return nil
	}
	if errors.Is(err, syscall.ENOTDIR) {
		return fmt.Errorf("%w: %s has a parent that is not a directory", ErrInvalidTarget, dir)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) {
			return fmt.Errorf("%w: %s has a parent that is not a directory", ErrInvalidTarget, dir)
		}
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
