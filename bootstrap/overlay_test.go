package bootstrap

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigMountOverlaysInstallTree(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	require.NoError(t, afero.WriteFile(fsys, "/var/ossec/etc/ossec.conf", []byte("default"), 0o640))
	require.NoError(t, afero.WriteFile(fsys, "/ossec-config-mount/etc/ossec.conf", []byte("operator"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ossec-config-mount/etc/rules/local_rules.xml", []byte("<rules/>"), 0o644))

	require.NoError(t, ApplyConfigMount(fsys, cfg, testLogger()))

	conf, err := afero.ReadFile(fsys, "/var/ossec/etc/ossec.conf")
	require.NoError(t, err)
	assert.Equal(t, "operator", string(conf))

	rules, err := afero.ReadFile(fsys, "/var/ossec/etc/rules/local_rules.xml")
	require.NoError(t, err)
	assert.Equal(t, "<rules/>", string(rules))
}

func TestApplyConfigMountMissingMountIsNoop(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	require.NoError(t, afero.WriteFile(fsys, "/var/ossec/etc/ossec.conf", []byte("default"), 0o640))

	require.NoError(t, ApplyConfigMount(fsys, cfg, testLogger()))

	conf, err := afero.ReadFile(fsys, "/var/ossec/etc/ossec.conf")
	require.NoError(t, err)
	assert.Equal(t, "default", string(conf))
}

func TestSubstitutePlaceholders(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		clusterKey string
		expected   string
	}{
		{
			"node name replaced with hostname",
			"<node_name>to_be_replaced_by_hostname</node_name>",
			"",
			"<node_name>mgr01</node_name>",
		},
		{
			"all occurrences replaced",
			"to_be_replaced_by_hostname to_be_replaced_by_hostname",
			"",
			"mgr01 mgr01",
		},
		{
			"cluster key replaced when configured",
			"<key>to_be_replaced_by_cluster_key</key>",
			"c98b62b3",
			"<key>c98b62b3</key>",
		},
		{
			"cluster key token kept when unset",
			"<key>to_be_replaced_by_cluster_key</key>",
			"",
			"<key>to_be_replaced_by_cluster_key</key>",
		},
		{
			"missing placeholder is a no-op",
			"<node_name>mgr01</node_name>",
			"",
			"<node_name>mgr01</node_name>",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			cfg := testConfig()
			cfg.ClusterKey = tc.clusterKey
			require.NoError(t, afero.WriteFile(fsys, cfg.MainConfigPath(), []byte(tc.input), 0o640))

			require.NoError(t, SubstitutePlaceholders(fsys, cfg, testLogger()))

			got, err := afero.ReadFile(fsys, cfg.MainConfigPath())
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(got))
		})
	}
}

func TestSubstitutePlaceholdersMissingConfigFails(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()

	assert.Error(t, SubstitutePlaceholders(fsys, cfg, testLogger()))
}
