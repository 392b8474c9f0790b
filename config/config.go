// Package config loads the repository-level YAML configuration:
// merge-tool registration, path-audit policy, and bundle part
// allow-listing. Shaped directly on the teacher's config package
// (Unmarshal / LoadConfigFile / validate()).
package config

import (
	"fmt"
	"os"

	"github.com/google/shlex"
	"github.com/rcowham/vcscore/apperr"
	yaml "gopkg.in/yaml.v2"
)

// WindowsNamePolicy selects how pathencode treats Windows-reserved
// filenames (spec.md Open Question, SPEC_FULL.md §E.3).
type WindowsNamePolicy string

const (
	WindowsNameWarn  WindowsNamePolicy = "warn"
	WindowsNameAbort WindowsNamePolicy = "abort"
)

// AncestorPolicy selects the tie-break rule when merge must pick among
// multiple common ancestors (spec.md Open Question, SPEC_FULL.md §E.1).
type AncestorPolicy string

const (
	AncestorSmallestNode AncestorPolicy = "smallest-node"
	AncestorFirstParent  AncestorPolicy = "first-parent"
)

// MergeTool is one registered external merge driver, e.g.
// "kdiff3 $base $local $other -o $output".
type MergeTool struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Argv    []string
}

// PathAudit groups the working-copy path-audit knobs.
type PathAudit struct {
	WindowsReservedNames WindowsNamePolicy `yaml:"windows_reserved_names"`
	CaseInsensitiveFS    bool              `yaml:"case_insensitive_fs"`
}

// Config is the unmarshalled repository configuration.
type Config struct {
	StoreDirName    string         `yaml:"store_dir"`
	DefaultBranch   string         `yaml:"default_branch"`
	MergeTools      []MergeTool    `yaml:"merge_tools"`
	RenameThreshold int            `yaml:"rename_threshold"` // percent, [0,100]; 100 = exact match only
	AncestorPolicy  AncestorPolicy `yaml:"ancestor_policy"`
	PathAudit       PathAudit      `yaml:"path_audit"`
	MandatoryParts  []string       `yaml:"mandatory_bundle_parts"`
	LockTimeoutSecs int            `yaml:"lock_timeout_secs"`
	LockRetryCount  int            `yaml:"lock_retry_count"`
}

// DefaultConfig returns the configuration used when no config file is
// present, matching the teacher's pattern of filling in defaults before
// unmarshal.
func DefaultConfig() *Config {
	return &Config{
		StoreDirName:    ".vcs",
		DefaultBranch:   "main",
		RenameThreshold: 80,
		AncestorPolicy:  AncestorSmallestNode,
		PathAudit: PathAudit{
			WindowsReservedNames: WindowsNameWarn,
			CaseInsensitiveFS:    false,
		},
		MandatoryParts:  []string{"changegroup"},
		LockTimeoutSecs: 10,
		LockRetryCount:  5,
	}
}

// Unmarshal parses config bytes over DefaultConfig, then validates.
func Unmarshal(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.NewConfigError("invalid configuration: make sure to use 'single quotes' around strings with special characters", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses a YAML config file.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, apperr.NewConfigError(fmt.Sprintf("failed to load %v", filename), err)
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, apperr.NewConfigError(fmt.Sprintf("failed to load %v", filename), err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RenameThreshold < 0 || c.RenameThreshold > 100 {
		return apperr.NewConfigError(fmt.Sprintf("rename_threshold must be in [0,100], got %d", c.RenameThreshold), nil)
	}
	switch c.AncestorPolicy {
	case "":
		c.AncestorPolicy = AncestorSmallestNode
	case AncestorSmallestNode, AncestorFirstParent:
	default:
		return apperr.NewConfigError(fmt.Sprintf("unknown ancestor_policy %q", c.AncestorPolicy), nil)
	}
	switch c.PathAudit.WindowsReservedNames {
	case "":
		c.PathAudit.WindowsReservedNames = WindowsNameWarn
	case WindowsNameWarn, WindowsNameAbort:
	default:
		return apperr.NewConfigError(fmt.Sprintf("unknown windows_reserved_names %q", c.PathAudit.WindowsReservedNames), nil)
	}
	for i := range c.MergeTools {
		mt := &c.MergeTools[i]
		if mt.Name == "" {
			return apperr.NewConfigError("merge tool entry missing name", nil)
		}
		argv, err := shlex.Split(mt.Command)
		if err != nil {
			return apperr.NewConfigError(fmt.Sprintf("failed to parse merge tool command for %q", mt.Name), err)
		}
		if len(argv) == 0 {
			return apperr.NewConfigError(fmt.Sprintf("merge tool %q has an empty command", mt.Name), nil)
		}
		mt.Argv = argv
	}
	return nil
}

// FindMergeTool returns the registered tool with the given name.
func (c *Config) FindMergeTool(name string) (MergeTool, bool) {
	for _, mt := range c.MergeTools {
		if mt.Name == name {
			return mt, true
		}
	}
	return MergeTool{}, false
}
