// Package fsutil provides the filesystem leaf operations of the build
// pipeline: tree copies, recursive ownership and permission remapping, and
// owner inspection. Remap walks report per-entry outcomes instead of failing
// outright, because a build tree can legitimately contain entries the caller
// cannot touch.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// KeepGID is the sentinel passed as gid to leave group ownership unchanged.
const KeepGID = -1

// EntryResult records the outcome of one entry during a remap walk.
type EntryResult struct {
	Path string
	Err  error
}

// Failed filters results down to the entries whose change failed.
func Failed(results []EntryResult) []EntryResult {
	var failed []EntryResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// ChownTree attempts to set owner and group on every directory and file under
// root, root included. Individual failures are recorded and do not stop the
// walk.
func ChownTree(root string, uid, gid int) []EntryResult {
	var results []EntryResult
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			results = append(results, EntryResult{Path: path, Err: err})
			return nil
		}
		results = append(results, EntryResult{Path: path, Err: os.Lchown(path, uid, gid)})
		return nil
	})
	return results
}

// ChmodTree sets mode on every directory and file under root, children before
// parents so directory traversal permissions stay intact during the walk.
// Individual failures are recorded and do not stop the walk.
func ChmodTree(root string, mode os.FileMode) []EntryResult {
	var paths []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil {
			paths = append(paths, path)
		}
		return nil
	})

	results := make([]EntryResult, 0, len(paths))
	for i := len(paths) - 1; i >= 0; i-- {
		results = append(results, EntryResult{Path: paths[i], Err: os.Chmod(paths[i], mode)})
	}
	return results
}

// CopyTree mirrors the contents of src into dst, which is created if needed.
// With preserveSymlinks, links are recreated verbatim; otherwise their
// targets are copied.
func CopyTree(src, dst string, preserveSymlinks bool) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolve source %q: %w", src, err)
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("stat source %q: %w", srcAbs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", srcAbs)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination %q: %w", dst, err)
	}

	return filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case d.IsDir():
			return os.MkdirAll(target, mode.Perm())
		case mode&os.ModeSymlink != 0:
			if preserveSymlinks {
				linkTarget, err := os.Readlink(path)
				if err != nil {
					return err
				}
				return os.Symlink(linkTarget, target)
			}
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return err
			}
			resolvedInfo, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			if resolvedInfo.IsDir() {
				return CopyTree(resolved, target, preserveSymlinks)
			}
			return copyFile(resolved, target, resolvedInfo.Mode().Perm())
		default:
			return copyFile(path, target, mode.Perm())
		}
	})
}

// CopyFile copies a single regular file, preserving its permission bits.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// AppendToFile appends content to path, creating the file when absent.
func AppendToFile(path, content string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// OwnerOf returns the uid and gid owning path.
func OwnerOf(path string) (uid, gid int, err error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("stat %q: %w", path, err)
	}
	return int(stat.Uid), int(stat.Gid), nil
}
