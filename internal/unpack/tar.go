package unpack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive members that would land outside the extraction directory.
var ErrUnsafePath = errors.New("unpack: archive member escapes extraction directory")

// Untar extracts every member of the tar archive at path into the archive's own
// directory. The process working directory is never consulted or changed.
//
// The returned path is path without its ".tar" suffix (or with ".untar" appended).
// It only names the step's output for further chaining and is not checked to exist.
func Untar(path string) (string, error) {
	out := OutputName(path, ".tar", "", ".untar")

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	root := filepath.Dir(path)
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}

	x := extractor{root: root, realRoot: realRoot, dirs: map[string]struct{}{}}
	if err := x.extract(tar.NewReader(f)); err != nil {
		return "", err
	}
	return out, nil
}

// An extractor writes the members of one archive under root.
// realRoot is root with symlinks resolved; every member must land below it.
type extractor struct {
	root     string
	realRoot string
	dirs     map[string]struct{}
}

func (x *extractor) extract(tr *tar.Reader) error {
	buf := make([]byte, bufferSize)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := x.resolve(hdr.Name)
		if err != nil {
			return err
		}
		if err := x.checkParent(target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(target, tr, hdr.FileInfo().Mode().Perm(), buf); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := x.symlink(target, hdr.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := x.resolve(hdr.Linkname)
			if err != nil {
				return err
			}
			realSource, err := filepath.EvalSymlinks(source)
			if err != nil {
				return fmt.Errorf("link %s: %w", target, err)
			}
			if !within(x.realRoot, realSource) {
				return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, target, hdr.Linkname)
			}
			if err := x.mkdir(filepath.Dir(target)); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and extended headers are not materialised.
		}
	}
}

// resolve maps an archive member name onto a path under root.
func (x *extractor) resolve(name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(name, "./"))
	if clean == "" || clean == "." {
		return x.root, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(x.root, clean), nil
}

// checkParent resolves the nearest existing ancestor of target through any
// symlinks already on disk and rejects target if that lands outside the root.
func (x *extractor) checkParent(target string) error {
	if target == x.root {
		return nil
	}
	dir := filepath.Dir(target)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(x.realRoot, real) {
				return fmt.Errorf("%w: %s resolves to %s", ErrUnsafePath, target, real)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) || dir == x.root {
			return err
		}
		dir = filepath.Dir(dir)
	}
}

// within reports whether path is root or lies below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

func (x *extractor) mkdir(dir string) error {
	if _, present := x.dirs[dir]; present {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	x.dirs[dir] = struct{}{}
	return nil
}

func (x *extractor) writeFile(target string, r io.Reader, perm os.FileMode, buf []byte) error {
	if err := x.mkdir(filepath.Dir(target)); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	// Never write through a symlink left by an earlier member.
	if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(f, r, buf); err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return f.Close()
}

func (x *extractor) symlink(target, linkname string) error {
	parent := filepath.Dir(target)
	if err := x.mkdir(parent); err != nil {
		return err
	}
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return err
	}
	dest, err := follow(realParent, linkname)
	if err != nil {
		return err
	}
	if !within(x.realRoot, dest) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, target, linkname)
	}
	os.Remove(target)
	delete(x.dirs, target)
	return os.Symlink(linkname, target)
}

// follow resolves linkname relative to dir one component at a time, so that
// ".." is applied after any symlink already on disk has been resolved.
func follow(dir, linkname string) (string, error) {
	cur := dir
	if filepath.IsAbs(linkname) {
		cur = string(filepath.Separator)
	}
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, part)
		real, err := filepath.EvalSymlinks(cur)
		switch {
		case err == nil:
			cur = real
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
	}
	return cur, nil
}
