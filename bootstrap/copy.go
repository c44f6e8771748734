package bootstrap

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// copyFile copies src over dst and stamps dst with src's permission bits,
// replacing whatever mode a pre-existing destination had.
func copyFile(fsys afero.Fs, src, dst string) error {
	return copyContents(fsys, src, dst, true)
}

// overlayFile copies src over dst but leaves a pre-existing destination's
// permission bits alone.
func overlayFile(fsys afero.Fs, src, dst string) error {
	return copyContents(fsys, src, dst, false)
}

func copyContents(fsys afero.Fs, src, dst string, stampSourceMode bool) error {
	in, err := fsys.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "open %s", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dst)
	}

	if !stampSourceMode {
		return nil
	}
	// O_CREATE only applies the mode to new files.
	return errors.Wrapf(fsys.Chmod(dst, info.Mode().Perm()), "chmod %s", dst)
}

// copyTree recursively copies the contents of srcRoot into dstRoot,
// preserving the source's permission bits on files and directories.
func copyTree(fsys afero.Fs, srcRoot, dstRoot string) error {
	return afero.Walk(fsys, srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walk %s", path)
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return errors.Wrapf(err, "relativize %s", path)
		}
		target := filepath.Join(dstRoot, rel)

		if info.IsDir() {
			if err := fsys.MkdirAll(target, info.Mode().Perm()); err != nil {
				return errors.Wrapf(err, "mkdir %s", target)
			}
			return nil
		}
		return copyFile(fsys, path, target)
	})
}
