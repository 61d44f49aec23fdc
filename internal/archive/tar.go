package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/seedbox_mirror/internal/progress"
	"golang.org/x/sys/unix"
)

// Tar packs the directory src into the tar file dst, with entries rooted at
// the directory's own name. It returns the bytes written to dst. On failure
// the partial archive is removed and an *Error is returned.
func Tar(ctx context.Context, src, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, &Error{Path: src, Err: err}
	}

	cw := &progress.CountingWriter{W: out}

	if err := writeTar(ctx, cw, src); err != nil {
		out.Close()
		os.Remove(dst)

		return 0, &Error{Path: src, Err: err}
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)

		return 0, &Error{Path: src, Err: err}
	}

	return cw.N, nil
}

func writeTar(ctx context.Context, w io.Writer, src string) error {
	tw := tar.NewWriter(w)
	parent := filepath.Dir(src)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to build header for %s: %w", path, err)
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}

		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

// FreeSpace reports the space available to unprivileged users on the
// filesystem that hosts path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t

	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", path, err)
	}

	return st.Bavail * uint64(st.Bsize), nil
}
