package bootstrap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Placeholder tokens rewritten in the main configuration file.
const (
	nodeNamePlaceholder   = "to_be_replaced_by_hostname"
	clusterKeyPlaceholder = "to_be_replaced_by_cluster_key"
)

// ApplyConfigMount overlays the operator-provided config mount onto the
// install tree. Every file under the mount is copied to the same relative
// path under the install root; files that already exist there keep their
// permission bits. A missing mount directory is the common case and not an
// error.
func ApplyConfigMount(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	mounted, err := afero.DirExists(fsys, cfg.ConfigMountRoot)
	if err != nil {
		return errors.Wrapf(err, "stat %s", cfg.ConfigMountRoot)
	}
	if !mounted {
		log.WithField("dir", cfg.ConfigMountRoot).Debug("No config mount present, skipping")
		return nil
	}

	return afero.Walk(fsys, cfg.ConfigMountRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walk %s", path)
		}

		rel, err := filepath.Rel(cfg.ConfigMountRoot, path)
		if err != nil {
			return errors.Wrapf(err, "relativize %s", path)
		}
		target := filepath.Join(cfg.InstallRoot, rel)

		if info.IsDir() {
			if err := fsys.MkdirAll(target, info.Mode().Perm()); err != nil {
				return errors.Wrapf(err, "mkdir %s", target)
			}
			return nil
		}
		if err := overlayFile(fsys, path, target); err != nil {
			return err
		}
		log.WithField("file", target).Info("Applied operator config file")
		return nil
	})
}

// SubstitutePlaceholders rewrites the node name and cluster key placeholder
// tokens in the main configuration file. All occurrences are replaced. The
// cluster key token is left in place when no key is configured; a config
// file without placeholders is not rewritten.
func SubstitutePlaceholders(fsys afero.Fs, cfg *Config, log logrus.FieldLogger) error {
	confPath := cfg.MainConfigPath()
	raw, err := afero.ReadFile(fsys, confPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", confPath)
	}

	replaced := strings.ReplaceAll(string(raw), nodeNamePlaceholder, cfg.NodeName)
	if cfg.ClusterKey != "" {
		replaced = strings.ReplaceAll(replaced, clusterKeyPlaceholder, cfg.ClusterKey)
	}
	if replaced == string(raw) {
		log.WithField("file", confPath).Debug("No placeholders found, leaving config untouched")
		return nil
	}

	info, err := fsys.Stat(confPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", confPath)
	}
	if err := afero.WriteFile(fsys, confPath, []byte(replaced), info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, "write %s", confPath)
	}
	log.WithField("file", confPath).WithField("node", cfg.NodeName).Info("Substituted configuration placeholders")
	return nil
}
