// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/variantlab/creative-engine/services/learning/attribution"
	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/batch"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/coldstart"
	"github.com/variantlab/creative-engine/services/learning/experiment"
	"github.com/variantlab/creative-engine/services/learning/reward"
	"github.com/variantlab/creative-engine/services/learning/selection"
	"github.com/variantlab/creative-engine/services/learning/storage"
	"github.com/variantlab/creative-engine/services/learning/telemetry"
)

// SelectionConfig holds the facade-level selection parameters: static
// scorer weights (the calibration learner adjusts them per cohort) and
// the quality gate.
type SelectionConfig struct {
	// Weights maps scorer name to its static weight.
	Weights map[string]float64 `yaml:"weights" json:"weights" validate:"required,min=1"`

	// GateThreshold is the strict-tier asset-match gate.
	GateThreshold float64 `yaml:"gate_threshold" json:"gate_threshold" validate:"gte=0,lte=1"`

	// DefaultCount is the draw size when a request does not specify one.
	DefaultCount int `yaml:"default_count" json:"default_count" validate:"gte=1"`
}

// Config is the service's full configuration tree.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required"`

	// Seed drives the Thompson sampler's RNG. Fixed by default so a
	// replayed cycle reproduces its draws.
	Seed int64 `yaml:"seed" json:"seed"`

	Selection   SelectionConfig    `yaml:"selection" json:"selection"`
	Reward      reward.Config      `yaml:"reward" json:"reward"`
	Bandit      bandit.Config      `yaml:"bandit" json:"bandit"`
	Calibration calibration.Config `yaml:"calibration" json:"calibration"`
	Attribution attribution.Config `yaml:"attribution" json:"attribution"`
	ColdStart   coldstart.Config   `yaml:"cold_start" json:"cold_start"`
	Experiment  experiment.Config  `yaml:"experiment" json:"experiment"`
	Batch       batch.Config       `yaml:"batch" json:"batch"`
	Storage     storage.Config     `yaml:"storage" json:"storage"`
	Telemetry   telemetry.Config   `yaml:"telemetry" json:"telemetry"`
}

// DefaultConfig returns the full default tree.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8085",
		Seed:       1,
		Selection: SelectionConfig{
			Weights: map[string]float64{
				selection.ScorerAssetMatch: 0.25,
				selection.ScorerAwareness:  0.20,
				selection.ScorerAudience:   0.15,
				selection.ScorerFreshness:  0.15,
				selection.ScorerElement:    0.25,
			},
			GateThreshold: 0.5,
			DefaultCount:  5,
		},
		Reward:      reward.DefaultConfig(),
		Bandit:      bandit.DefaultConfig(),
		Calibration: calibration.DefaultConfig(),
		Attribution: attribution.DefaultConfig(),
		ColdStart:   coldstart.DefaultConfig(),
		Experiment:  experiment.DefaultConfig(),
		Batch:       batch.DefaultConfig(),
		Storage:     storage.DefaultConfig(),
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults and validates the
// result. A missing path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the tree's structural constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for name, w := range c.Selection.Weights {
		if w < 0 {
			return fmt.Errorf("%w: scorer %q has negative weight %v", ErrInvalidRequest, name, w)
		}
	}
	return nil
}
