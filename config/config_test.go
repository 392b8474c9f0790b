package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadOrFail(t, "")
	assert.Equal(t, ".vcs", cfg.StoreDirName)
	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Equal(t, 80, cfg.RenameThreshold)
	assert.Equal(t, AncestorSmallestNode, cfg.AncestorPolicy)
	assert.Equal(t, WindowsNameWarn, cfg.PathAudit.WindowsReservedNames)
}

func TestOverrides(t *testing.T) {
	cfg := loadOrFail(t, `
default_branch: trunk
rename_threshold: 100
ancestor_policy: first-parent
path_audit:
  windows_reserved_names: abort
  case_insensitive_fs: true
`)
	assert.Equal(t, "trunk", cfg.DefaultBranch)
	assert.Equal(t, 100, cfg.RenameThreshold)
	assert.Equal(t, AncestorFirstParent, cfg.AncestorPolicy)
	assert.Equal(t, WindowsNameAbort, cfg.PathAudit.WindowsReservedNames)
	assert.True(t, cfg.PathAudit.CaseInsensitiveFS)
}

func TestInvalidRenameThreshold(t *testing.T) {
	_, err := Unmarshal([]byte("rename_threshold: 150"))
	assert.Error(t, err)
}

func TestInvalidAncestorPolicy(t *testing.T) {
	_, err := Unmarshal([]byte("ancestor_policy: quantum"))
	assert.Error(t, err)
}

func TestMergeToolArgvParsing(t *testing.T) {
	cfg := loadOrFail(t, `
merge_tools:
- name: kdiff3
  command: "kdiff3 $base $local $other -o $output"
`)
	mt, ok := cfg.FindMergeTool("kdiff3")
	require.True(t, ok)
	assert.Equal(t, []string{"kdiff3", "$base", "$local", "$other", "-o", "$output"}, mt.Argv)
}

func TestMergeToolBadCommand(t *testing.T) {
	_, err := Unmarshal([]byte(`
merge_tools:
- name: broken
  command: "unterminated \"quote"
`))
	assert.Error(t, err)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}
