package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stressline.yml.
type Config struct {
	Profile struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"profile"`
	Derivation struct {
		FocusSites      []string          `yaml:"focus_sites"`
		WritingTool     string            `yaml:"writing_tool"`
		FocusMinutes    float64           `yaml:"focus_minutes"`
		DeepReadMinutes float64           `yaml:"deep_read_minutes"`
		StallTypingMax  int               `yaml:"stall_typing_max"`
		SwitchSpikeMin  int               `yaml:"switch_spike_min"`
		NightStartHour  int               `yaml:"night_start_hour"`
		NightEndHour    int               `yaml:"night_end_hour"`
		SignalCap       int               `yaml:"signal_cap"`
		Highlights      map[string]string `yaml:"highlights"`
	} `yaml:"derivation"`
	Episodes struct {
		MinSnoozeDays int `yaml:"min_snooze_days"`
	} `yaml:"episodes"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Profile.ID == "" {
		return fmt.Errorf("config.profile.id is required")
	}
	if c.Profile.Kind != "stress-profile" {
		return fmt.Errorf("config.profile.kind must be 'stress-profile'")
	}
	d := c.Derivation
	if len(d.FocusSites) == 0 {
		return fmt.Errorf("config.derivation.focus_sites is required")
	}
	if d.WritingTool == "" {
		return fmt.Errorf("config.derivation.writing_tool is required")
	}
	if d.FocusMinutes <= 0 {
		return fmt.Errorf("config.derivation.focus_minutes must be positive")
	}
	if d.DeepReadMinutes <= 0 {
		return fmt.Errorf("config.derivation.deep_read_minutes must be positive")
	}
	if d.SwitchSpikeMin < 1 {
		return fmt.Errorf("config.derivation.switch_spike_min must be >= 1")
	}
	if d.NightStartHour < 0 || d.NightStartHour > 23 {
		return fmt.Errorf("config.derivation.night_start_hour out of range")
	}
	if d.NightEndHour < 0 || d.NightEndHour > 23 {
		return fmt.Errorf("config.derivation.night_end_hour out of range")
	}
	if d.SignalCap < 1 {
		return fmt.Errorf("config.derivation.signal_cap must be >= 1")
	}
	if len(d.Highlights) == 0 {
		return fmt.Errorf("config.derivation.highlights is required")
	}
	for kind, phrase := range d.Highlights {
		if kind == "" || phrase == "" {
			return fmt.Errorf("config.derivation.highlights contains an empty entry")
		}
	}
	if c.Episodes.MinSnoozeDays < 1 {
		return fmt.Errorf("config.episodes.min_snooze_days must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stressline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(profileID string) string {
	return fmt.Sprintf(defaultTemplate, profileID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a profile.
func Default(profileID string) *Config {
	var cfg Config
	cfg.Profile.ID = profileID
	cfg.Profile.Kind = "stress-profile"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, profileID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `profile:
  id: %s
  kind: stress-profile

derivation:
  focus_sites: [overleaf, colab, jupyter, github]
  writing_tool: overleaf
  focus_minutes: 25
  deep_read_minutes: 1.5
  stall_typing_max: 2
  switch_spike_min: 6
  night_start_hour: 23
  night_end_hour: 3
  signal_cap: 2

  highlights:
    focus25: "Focused for 25+ minutes"
    deepRead: "Deep-read a paper for 90+ seconds"
    writingEdit: "Made real edits in the writing tool"
    planDone: "Completed a micro plan"
    sootheDone: "Completed an emotion practice"
    resolvedStress: "Resolved a stress point"
    advisorMeet: "Talked things through with the advisor"
    nightBalanced: "Kept the night workload balanced"
    commitCode: "Committed research code"

episodes:
  min_snooze_days: 1
`
