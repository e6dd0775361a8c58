package ingest

import (
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"arc-catalog/store"
)

// DefaultLabelDirs maps the capture tree's top-level directories to labels.
var DefaultLabelDirs = map[string]string{
	"arc_matrix_experiment":                     "arc",
	"arc_matrix_experiment_with_parallel_motor": "parallel_motor_arc",
	"transient_negative_test":                   "negative_transient",
	"steady_state":                              "steady_state",
}

// LabelDirConfig binds one capture directory name to a label.
type LabelDirConfig struct {
	Dir   string `yaml:"dir"`
	Label string `yaml:"label"`
}

// LabelDirsConfig accepts a mapping from directory to label, where the value
// is either the label or an object holding it:
//
//	label_dirs:
//	  arc_matrix_experiment: arc
//	  steady_state: {label: steady_state}
//
// or a list of dir/label pairs:
//
//	label_dirs:
//	  - dir: arc_matrix_experiment
//	    label: arc
//
// Entries with an empty directory or label are dropped.
type LabelDirsConfig struct {
	Items []LabelDirConfig
}

func (l *LabelDirsConfig) UnmarshalYAML(value *yaml.Node) error {
	var items []LabelDirConfig
	switch value.Kind {
	case yaml.SequenceNode:
		if err := value.Decode(&items); err != nil {
			return err
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			var it LabelDirConfig
			if v := value.Content[i+1]; v.Kind == yaml.MappingNode {
				if err := v.Decode(&it); err != nil {
					return err
				}
			} else if err := v.Decode(&it.Label); err != nil {
				return err
			}
			it.Dir = value.Content[i].Value
			items = append(items, it)
		}
	default:
		if value.Tag == "!!null" {
			return nil
		}
		return Error.New("label_dirs: line %d: want a mapping or a list", value.Line)
	}

	l.Items = l.Items[:0]
	for _, it := range items {
		it.Dir, it.Label = strings.TrimSpace(it.Dir), strings.TrimSpace(it.Label)
		if it.Dir != "" && it.Label != "" {
			l.Items = append(l.Items, it)
		}
	}
	return nil
}

// Map resolves the configured directories to canonical labels. Unknown
// labels are rejected so a typo cannot silently file experiments as unknown.
func (l LabelDirsConfig) Map() (map[string]string, error) {
	out := make(map[string]string, len(l.Items))
	for _, it := range l.Items {
		dir := strings.TrimSpace(it.Dir)
		if dir == "" {
			continue
		}
		label, ok := store.NormalizeLabel(it.Label)
		if !ok {
			return nil, Error.New("label_dirs: %q maps to unknown label %q", dir, it.Label)
		}
		out[dir] = label
	}
	return out, nil
}

type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// FileConfig is the YAML configuration shared by all subcommands.
type FileConfig struct {
	Database string     `yaml:"database"`
	BlobDir  string     `yaml:"blob_dir"`
	Pool     PoolConfig `yaml:"pool"`

	SourceDir   string        `yaml:"source_dir"`
	CommitEvery int           `yaml:"commit_every"`
	MaxSamples  int           `yaml:"max_samples"`
	Timeout     time.Duration `yaml:"timeout"`
	Debug       bool          `yaml:"debug"`

	// Capture directory to label. Mapping form: label_dirs: {dir: label}.
	LabelDirs LabelDirsConfig `yaml:"label_dirs"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
