package risk

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default scoring parameters.
const (
	DefaultThreshold = 0.5
	DefaultLabel     = "unknown"
	FallbackLabel    = "suspicious"
)

// SiteConfig overrides hints and the threshold for one site.
type SiteConfig struct {
	Hints     `yaml:",inline"`
	Threshold *float64 `yaml:"threshold,omitempty"`
}

// Config is the optional risk configuration document.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Config struct {
	// Threshold is the aggregate score a detector must reach before its label is reported.
	Threshold float64 `yaml:"threshold"`
	// Label is used when a matched hint carries no label of its own.
	Label string `yaml:"label"`
	// DefaultLabel replaces the label of assessments below the threshold.
	DefaultLabel string `yaml:"default_label"`
	// DowngradeLabels are labels that turn a CLAIMED verdict into UNKNOWN.
	DowngradeLabels []string              `yaml:"downgrade_labels"`
	Global          Hints                 `yaml:"global"`
	Sites           map[string]SiteConfig `yaml:"sites"`
	// Model is the path of an optional token model for the learned detector.
	Model string `yaml:"model"`
}

// DefaultConfig returns the configuration used when no document is supplied.
func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		Label:           FallbackLabel,
		DefaultLabel:    DefaultLabel,
		DowngradeLabels: []string{LabelFalsePositive},
	}
}

// LoadConfig reads a YAML or JSON risk configuration document.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read risk config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a risk configuration document over DefaultConfig.
// Fields absent from the document keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode risk config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks thresholds and every hint in the document.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %v outside [0,1]", c.Threshold))
	}
	if err := c.Global.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("global: %w", err))
	}
	for name, sc := range c.Sites {
		if sc.Threshold != nil && (*sc.Threshold < 0 || *sc.Threshold > 1) {
			errs = append(errs, fmt.Errorf("site %s: threshold %v outside [0,1]", name, *sc.Threshold))
		}
		if err := sc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// site returns the override for name, matched case-insensitively.
func (c Config) site(name string) (SiteConfig, bool) {
	if sc, ok := c.Sites[name]; ok {
		return sc, true
	}
	for k, sc := range c.Sites {
		if strings.EqualFold(k, name) {
			return sc, true
		}
	}
	return SiteConfig{}, false
}

// Downgrades reports whether label should demote a CLAIMED verdict.
func (c Config) Downgrades(label string) bool {
	for _, l := range c.DowngradeLabels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
