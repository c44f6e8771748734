package bootstrap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ReconcileVolume ensures every directory in the persistent set is populated.
// A directory that is missing or empty is restored from the bundled backup
// subtree; a directory with entries is left untouched, so a volume that has
// already been through a first boot is never overwritten.
func ReconcileVolume(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	for _, dir := range cfg.Manifest.Permanent.Directories {
		rel, err := installRelative(cfg.InstallRoot, dir)
		if err != nil {
			return err
		}

		populated, err := hasEntries(fsys, dir)
		if err != nil {
			return err
		}
		if populated {
			log.WithField("dir", dir).Debug("Directory already populated, skipping")
			continue
		}

		src := filepath.Join(cfg.BackupRoot(), rel)
		if err := copyTree(fsys, src, dir); err != nil {
			return errors.WithMessagef(err, "populate %s from backup", dir)
		}
		log.WithField("dir", dir).Info("Populated directory from bundled backup")
	}
	return nil
}

// RestoreRefreshFiles overwrites each file in the refresh set with the copy
// shipped in the bundled exclusion subtree. These files live inside otherwise
// persistent directories but must track the installed software version. A
// refresh file with no bundled counterpart is skipped.
func RestoreRefreshFiles(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	for _, rel := range cfg.Manifest.Permanent.Refresh {
		src := filepath.Join(cfg.ExclusionRoot(), rel)
		exists, err := afero.Exists(fsys, src)
		if err != nil {
			return errors.Wrapf(err, "stat %s", src)
		}
		if !exists {
			log.WithField("file", rel).Debug("No bundled copy, skipping")
			continue
		}

		dst := filepath.Join(cfg.InstallRoot, rel)
		if err := fsys.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return errors.Wrapf(err, "mkdir %s", filepath.Dir(dst))
		}
		if err := copyFile(fsys, src, dst); err != nil {
			return err
		}
		log.WithField("file", dst).Info("Refreshed file from image")
	}
	return nil
}

// RemoveStaleFiles deletes each path in the removal set. Absent paths are not
// an error.
func RemoveStaleFiles(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	for _, path := range cfg.Manifest.Permanent.Remove {
		err := fsys.Remove(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "remove %s", path)
		}
		log.WithField("file", path).Info("Removed stale file")
	}
	return nil
}

// RemoveStaging deletes the staging tree. Called last so earlier steps can
// read the bundled backup and exclusion subtrees.
func RemoveStaging(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	if err := fsys.RemoveAll(cfg.StagingRoot); err != nil {
		return errors.Wrapf(err, "remove staging tree %s", cfg.StagingRoot)
	}
	log.WithField("dir", cfg.StagingRoot).Debug("Removed staging tree")
	return nil
}

// installRelative maps an absolute persistent directory to its path inside
// the bundled backup subtree. Directories outside the install root have no
// backup counterpart and indicate a bad manifest.
func installRelative(installRoot, dir string) (string, error) {
	rel, err := filepath.Rel(installRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("persistent directory %s is outside install root %s", dir, installRoot)
	}
	return rel, nil
}

func hasEntries(fsys afero.Fs, dir string) (bool, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", dir)
	}
	return len(entries) > 0, nil
}
