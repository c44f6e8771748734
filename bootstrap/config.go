// Package bootstrap reconciles the manager's persistent data volume with the
// install tree shipped in the image. Every step takes an explicit Config and
// filesystem; nothing reads ambient process state.
package bootstrap

import (
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Default filesystem locations baked into the image.
const (
	DefaultInstallRoot     = "/var/ossec"
	DefaultStagingRoot     = "/var/ossec/data_tmp"
	DefaultConfigMountRoot = "/ossec-config-mount"
)

// Names inside the staging tree.
const (
	backupDirName    = "permanent"
	exclusionDirName = "exclusion"
	manifestFileName = "permanent_data.toml"
)

// Config carries every input of the bootstrap sequence. It is populated once
// at startup and passed into each step.
type Config struct {
	// InstallRoot is the root of the manager install tree.
	InstallRoot string
	// StagingRoot holds the bundled backup and exclusion subtrees plus the
	// persistence manifest; it is removed at the end of a bootstrap run.
	StagingRoot string
	// ConfigMountRoot is the optional operator-provided overlay mirroring
	// the install tree layout.
	ConfigMountRoot string

	// NodeName replaces the node name placeholder in the main config file.
	NodeName string
	// ClusterKey replaces the cluster key placeholder when non-empty.
	ClusterKey string
	// EnrollmentEnabled gates credential provisioning.
	EnrollmentEnabled bool
	// RulesetPath is an s3://bucket/prefix URI; empty disables ruleset sync.
	RulesetPath string
	// RulesetCron enables installation of the periodic ruleset sync job.
	RulesetCron bool

	// Manifest lists the file sets driving reconciliation.
	Manifest Manifest
}

// Manifest lists the file sets the image ships for volume reconciliation.
type Manifest struct {
	Permanent FileSets `toml:"permanent"`
}

// FileSets holds the three path collections read from the manifest.
type FileSets struct {
	// Directories must exist pre-populated in the volume (absolute paths
	// under the install root). Once non-empty they are never overwritten.
	Directories []string `toml:"directories"`
	// Refresh are install-root relative files restored from the bundled
	// exclusion subtree on every start.
	Refresh []string `toml:"refresh"`
	// Remove are absolute paths deleted on every start when present.
	Remove []string `toml:"remove"`
}

// NewManifest unmarshals the persistence manifest shipped in the staging tree.
func NewManifest(fsys afero.Fs, manifestFile string) (*Manifest, error) {
	raw, err := afero.ReadFile(fsys, manifestFile)
	if err != nil {
		return nil, errors.Wrap(err, "read persistence manifest")
	}

	manifest := Manifest{}
	return &manifest, errors.Wrap(toml.Unmarshal(raw, &manifest), "decode persistence manifest")
}

// BackupRoot is the bundled backup subtree mirroring the install tree.
func (c *Config) BackupRoot() string {
	return filepath.Join(c.StagingRoot, backupDirName)
}

// ExclusionRoot is the bundled subtree holding refresh file sources.
func (c *Config) ExclusionRoot() string {
	return filepath.Join(c.StagingRoot, exclusionDirName)
}

// ManifestPath is the location of the persistence manifest.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.StagingRoot, manifestFileName)
}

// MainConfigPath is the manager's main configuration file.
func (c *Config) MainConfigPath() string {
	return filepath.Join(c.InstallRoot, "etc", "ossec.conf")
}

// KeyPath is the enrollment private key location.
func (c *Config) KeyPath() string {
	return filepath.Join(c.InstallRoot, "etc", "sslmanager.key")
}

// CertPath is the enrollment certificate location.
func (c *Config) CertPath() string {
	return filepath.Join(c.InstallRoot, "etc", "sslmanager.cert")
}

// RulesetDir receives ruleset files downloaded from S3.
func (c *Config) RulesetDir() string {
	return filepath.Join(c.InstallRoot, "etc", "rules")
}

// CronSpoolPath is where the rendered crontab entry is written before
// registration.
func (c *Config) CronSpoolPath() string {
	return filepath.Join(c.InstallRoot, "var", "run", "ruleset.cron")
}

// LockPath is the advisory lock taken for the duration of a bootstrap run.
func (c *Config) LockPath() string {
	return filepath.Join(c.InstallRoot, "var", "run", "bootstrap.lock")
}
