package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleConfig holds the tunables of a single violation rule.
type RuleConfig struct {
	Enabled              bool
	MinConsecutiveFrames int
	ConfidenceThreshold  float64
	Cooldown             time.Duration

	ProximityThreshold        float64
	StopLineRatio             float64
	HeadingDeviationThreshold float64
}

type RulesConfig map[string]RuleConfig

var knownRules = []string{"no_helmet", "red_light_jump", "wrong_side"}

type rawRule struct {
	Enabled                   *bool    `yaml:"enabled"`
	MinConsecutiveFrames      *int     `yaml:"min_consecutive_frames"`
	ConfidenceThreshold       *float64 `yaml:"confidence_threshold"`
	CooldownSeconds           *float64 `yaml:"cooldown_seconds"`
	ProximityThreshold        *float64 `yaml:"proximity_threshold"`
	StopLineRatio             *float64 `yaml:"stop_line_ratio"`
	HeadingDeviationThreshold *float64 `yaml:"heading_deviation_threshold"`
}

type rawRulesFile struct {
	Rules map[string]rawRule `yaml:"rules"`
}

// DefaultRules returns every known rule enabled with stock thresholds.
func DefaultRules(cooldown time.Duration) RulesConfig {
	out := make(RulesConfig, len(knownRules))
	for _, name := range knownRules {
		out[name] = RuleConfig{
			Enabled:                   true,
			MinConsecutiveFrames:      3,
			ConfidenceThreshold:       0.7,
			Cooldown:                  cooldown,
			ProximityThreshold:        0.3,
			StopLineRatio:             0.5,
			HeadingDeviationThreshold: 120,
		}
	}
	return out
}

// LoadRules reads the rule file at path. A missing file yields the defaults.
func LoadRules(path string, cooldown time.Duration) (RulesConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRules(cooldown), nil
		}
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()

	return ParseRules(f, cooldown)
}

func ParseRules(r io.Reader, cooldown time.Duration) (RulesConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	out := DefaultRules(cooldown)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawRulesFile
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode rules: %v", ErrInvalidConfig, err)
	}

	for name, rr := range raw.Rules {
		rc, ok := out[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown rule %q", ErrInvalidConfig, name)
		}
		if rr.Enabled != nil {
			rc.Enabled = *rr.Enabled
		}
		if rr.MinConsecutiveFrames != nil {
			rc.MinConsecutiveFrames = *rr.MinConsecutiveFrames
		}
		if rr.ConfidenceThreshold != nil {
			rc.ConfidenceThreshold = *rr.ConfidenceThreshold
		}
		if rr.CooldownSeconds != nil {
			rc.Cooldown = time.Duration(*rr.CooldownSeconds * float64(time.Second))
		}
		if rr.ProximityThreshold != nil {
			rc.ProximityThreshold = *rr.ProximityThreshold
		}
		if rr.StopLineRatio != nil {
			rc.StopLineRatio = *rr.StopLineRatio
		}
		if rr.HeadingDeviationThreshold != nil {
			rc.HeadingDeviationThreshold = *rr.HeadingDeviationThreshold
		}
		if err := validateRule(name, rc); err != nil {
			return nil, err
		}
		out[name] = rc
	}

	return out, nil
}

func validateRule(name string, rc RuleConfig) error {
	if rc.MinConsecutiveFrames < 1 {
		return fmt.Errorf("%w: rule %s: min_consecutive_frames must be >= 1", ErrInvalidConfig, name)
	}
	if rc.ConfidenceThreshold < 0 || rc.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: rule %s: confidence_threshold must be in [0,1]", ErrInvalidConfig, name)
	}
	if rc.ProximityThreshold < 0 || rc.ProximityThreshold > 1 {
		return fmt.Errorf("%w: rule %s: proximity_threshold must be in [0,1]", ErrInvalidConfig, name)
	}
	if rc.StopLineRatio < 0 || rc.StopLineRatio > 1 {
		return fmt.Errorf("%w: rule %s: stop_line_ratio must be in [0,1]", ErrInvalidConfig, name)
	}
	if rc.Cooldown < 0 {
		return fmt.Errorf("%w: rule %s: cooldown_seconds must not be negative", ErrInvalidConfig, name)
	}
	return nil
}
