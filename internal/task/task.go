// Package task defines the declarative artifact record read from the manifest.
package task

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"

	"github.com/steveb/imagetter/internal/checksum"
	"github.com/steveb/imagetter/internal/unpack"
)

// Policy governs whether an existing local file is trusted, re-verified or re-fetched.
type Policy string

// Download policies.
const (
	PolicyUnset    Policy = ""
	PolicyMissing  Policy = "missing"
	PolicyChecksum Policy = "checksum"
)

// Task is one artifact to fetch, verify and unpack.
//
// Checksum is the only field that changes during a run: checksum discovery
// fills it in once, before any download starts.
type Task struct {
	URL            string             `yaml:"url"`
	TargetSubdir   string             `yaml:"target_subdir"`
	Checksum       string             `yaml:"checksum"`
	ChecksumAlgo   checksum.Algorithm `yaml:"checksum_algo"`
	ChecksumURL    string             `yaml:"checksum_url"`
	DownloadPolicy Policy             `yaml:"download_policy"`
	Unpack         []unpack.Kind      `yaml:"unpack"`
}

// Filename returns the last element of the URL path, which names the local file.
func (t *Task) Filename() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", t.URL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("url %q has no file name", t.URL)
	}
	return name, nil
}

// Algorithm returns the checksum algorithm, defaulting to sha256.
func (t *Task) Algorithm() checksum.Algorithm {
	if t.ChecksumAlgo == "" {
		return checksum.SHA256
	}
	return t.ChecksumAlgo
}

// HasChecksum reports whether a declared or discovered checksum is known.
func (t *Task) HasChecksum() bool {
	return t.Checksum != ""
}

// Validate checks the task's fields. It does not touch the network or the filesystem.
func (t *Task) Validate() error {
	if t.URL == "" {
		return errors.New("task: url is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("task: invalid url %q: %w", t.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("task: unsupported url scheme %q in %s", u.Scheme, t.URL)
	}
	if _, err := t.Filename(); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	if t.TargetSubdir != "" && !filepath.IsLocal(t.TargetSubdir) {
		return fmt.Errorf("task %s: target_subdir %q must be a relative path inside the target", t.URL, t.TargetSubdir)
	}
	if !checksum.Supported(t.Algorithm()) {
		return fmt.Errorf("task %s: %w: %q", t.URL, checksum.ErrUnsupportedAlgorithm, t.ChecksumAlgo)
	}
	if t.ChecksumURL != "" {
		if _, err := url.Parse(t.ChecksumURL); err != nil {
			return fmt.Errorf("task %s: invalid checksum_url: %w", t.URL, err)
		}
	}
	switch t.DownloadPolicy {
	case PolicyUnset, PolicyMissing, PolicyChecksum:
	default:
		return fmt.Errorf("task %s: unknown download_policy %q", t.URL, t.DownloadPolicy)
	}
	for _, k := range t.Unpack {
		if !unpack.Known(k) {
			return fmt.Errorf("task %s: %w: %q", t.URL, unpack.ErrUnknownKind, k)
		}
	}
	return nil
}

func (t *Task) String() string {
	return t.URL
}
