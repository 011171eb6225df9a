// Package config loads judge definitions and shared service configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"judge-tuner/pkg/models"
)

// LoadJudgeConfig reads a judge definition from a YAML file.
func LoadJudgeConfig(path string) (*models.JudgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading judge config %s: %w", path, err)
	}
	return ParseJudgeConfig(data)
}

func ParseJudgeConfig(data []byte) (*models.JudgeConfig, error) {
	var cfg models.JudgeConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing judge config: %w", err)
	}
	if err := ValidateJudgeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ValidateJudgeConfig(cfg *models.JudgeConfig) error {
	if cfg.JudgeName == "" {
		return fmt.Errorf("judge config: judge_name is required")
	}
	if !cfg.JudgeType.Valid() {
		return fmt.Errorf("judge config: unknown judge_type %q (want likert, binary or freeform)", cfg.JudgeType)
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ModeSimple
	}
	switch cfg.Mode {
	case models.ModeSimple:
		if cfg.EndpointName == "" {
			return fmt.Errorf("judge config: endpoint_name is required for simple mode")
		}
	case models.ModeMLflow:
	default:
		return fmt.Errorf("judge config: unknown mode %q (want simple or mlflow)", cfg.Mode)
	}
	return nil
}
