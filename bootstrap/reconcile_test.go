package bootstrap

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *Config {
	return &Config{
		InstallRoot:     "/var/ossec",
		StagingRoot:     "/var/ossec/data_tmp",
		ConfigMountRoot: "/ossec-config-mount",
		NodeName:        "mgr01",
		Manifest: Manifest{
			Permanent: FileSets{
				Directories: []string{"/var/ossec/etc", "/var/ossec/logs"},
				Refresh:     []string{"etc/internal_options.conf"},
				Remove:      []string{"/var/ossec/queue/db/.template.db"},
			},
		},
	}
}

// seedStaging lays out the bundled backup and exclusion subtrees the image
// ships under the staging root.
func seedStaging(t *testing.T, fsys afero.Fs, cfg *Config) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, cfg.BackupRoot()+"/etc/ossec.conf", []byte("<ossec_config/>"), 0o640))
	require.NoError(t, afero.WriteFile(fsys, cfg.BackupRoot()+"/etc/internal_options.conf", []byte("old options"), 0o640))
	require.NoError(t, afero.WriteFile(fsys, cfg.BackupRoot()+"/logs/ossec.log", []byte(""), 0o640))
	require.NoError(t, afero.WriteFile(fsys, cfg.ExclusionRoot()+"/etc/internal_options.conf", []byte("fresh options"), 0o640))
}

func TestReconcileVolumePopulatesEmptyDirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	seedStaging(t, fsys, cfg)

	require.NoError(t, ReconcileVolume(fsys, cfg, testLogger()))

	conf, err := afero.ReadFile(fsys, "/var/ossec/etc/ossec.conf")
	require.NoError(t, err)
	assert.Equal(t, "<ossec_config/>", string(conf))

	logExists, err := afero.Exists(fsys, "/var/ossec/logs/ossec.log")
	require.NoError(t, err)
	assert.True(t, logExists)
}

func TestReconcileVolumeSkipsPopulatedDirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	seedStaging(t, fsys, cfg)
	require.NoError(t, afero.WriteFile(fsys, "/var/ossec/etc/ossec.conf", []byte("survives restart"), 0o640))

	require.NoError(t, ReconcileVolume(fsys, cfg, testLogger()))

	conf, err := afero.ReadFile(fsys, "/var/ossec/etc/ossec.conf")
	require.NoError(t, err)
	assert.Equal(t, "survives restart", string(conf))
}

func TestReconcileVolumeRejectsDirectoryOutsideInstallRoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Manifest.Permanent.Directories = []string{"/etc/passwd-dir"}
	seedStaging(t, fsys, cfg)

	err := ReconcileVolume(fsys, cfg, testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "outside install root")
}

func TestRestoreRefreshFilesOverwritesPersistedCopy(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	seedStaging(t, fsys, cfg)
	require.NoError(t, afero.WriteFile(fsys, "/var/ossec/etc/internal_options.conf", []byte("stale options"), 0o640))

	require.NoError(t, RestoreRefreshFiles(fsys, cfg, testLogger()))

	got, err := afero.ReadFile(fsys, "/var/ossec/etc/internal_options.conf")
	require.NoError(t, err)
	assert.Equal(t, "fresh options", string(got))
}

func TestRestoreRefreshFilesSkipsMissingBundledCopy(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Manifest.Permanent.Refresh = []string{"etc/not_shipped.conf"}
	seedStaging(t, fsys, cfg)

	require.NoError(t, RestoreRefreshFiles(fsys, cfg, testLogger()))

	exists, err := afero.Exists(fsys, "/var/ossec/etc/not_shipped.conf")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveStaleFiles(t *testing.T) {
	tests := []struct {
		name    string
		present bool
	}{
		{"present file is removed", true},
		{"absent file is not an error", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			cfg := testConfig()
			if tc.present {
				require.NoError(t, afero.WriteFile(fsys, "/var/ossec/queue/db/.template.db", []byte("x"), 0o640))
			}

			require.NoError(t, RemoveStaleFiles(fsys, cfg, testLogger()))

			exists, err := afero.Exists(fsys, "/var/ossec/queue/db/.template.db")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestRemoveStaging(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	seedStaging(t, fsys, cfg)

	require.NoError(t, RemoveStaging(fsys, cfg, testLogger()))

	exists, err := afero.DirExists(fsys, cfg.StagingRoot)
	require.NoError(t, err)
	assert.False(t, exists)

	// A second removal is a no-op.
	require.NoError(t, RemoveStaging(fsys, cfg, testLogger()))
}

func TestReconcileVolumeIsIdempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	seedStaging(t, fsys, cfg)

	require.NoError(t, ReconcileVolume(fsys, cfg, testLogger()))
	require.NoError(t, afero.WriteFile(fsys, "/var/ossec/etc/local_rules.xml", []byte("operator edit"), 0o640))

	require.NoError(t, ReconcileVolume(fsys, cfg, testLogger()))

	got, err := afero.ReadFile(fsys, "/var/ossec/etc/local_rules.xml")
	require.NoError(t, err)
	assert.Equal(t, "operator edit", string(got))
}
