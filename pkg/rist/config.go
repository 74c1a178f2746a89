package rist

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the shape of the `--file name.yaml` configuration
// documented in original_source/tools/ristsender.c, decoded with
// gopkg.in/yaml.v3 per SPEC_FULL.md's ambient-stack configuration
// section. A CLI flag left at its default value is filled from a loaded
// file; a flag set to any other value takes precedence over the file,
// the same override order ristsender.c's getopt_long loop follows
// (config file first, command-line flags after).
type FileConfig struct {
	InputURL          string        `yaml:"inputurl"`
	OutputURL         string        `yaml:"outputurl"`
	Profile           string        `yaml:"profile"`
	Secret            string        `yaml:"secret"`
	Buffer            time.Duration `yaml:"buffer"`
	RecoveryLengthMin time.Duration `yaml:"recovery_length_min"`
	RecoveryLengthMax time.Duration `yaml:"recovery_length_max"`
	RTTMin            time.Duration `yaml:"rtt_min"`
	NullPacketDeletion bool         `yaml:"null_packet_deletion"`
	StatsIntervalMs   int           `yaml:"stats_interval_ms"`
	VerboseLevel      int           `yaml:"verbose_level"`
}

// LoadFileConfig reads and parses a YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rist: read config %q: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rist: parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// ProfileFromString maps the CLI/config "simple"/"main" string to a
// wire Profile, per original_source/tools/ristsender.c's --profile
// flag.
func ProfileFromString(s string) (Profile, error) {
	switch s {
	case "", "simple":
		return ProfileSimple, nil
	case "main":
		return ProfileMain, nil
	default:
		return 0, fmt.Errorf("rist: unknown profile %q (want \"simple\" or \"main\")", s)
	}
}
