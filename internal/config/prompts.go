package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds the system prompts sent to the AI gateway by each function
type Prompts struct {
	Advisor         string `yaml:"advisor"`
	Recommendations string `yaml:"recommendations"`
	RiskAssessment  string `yaml:"risk_assessment"`
}

// LoadPrompts reads prompts from path, falling back to the embedded defaults
// for an empty path or any prompt the file leaves blank.
func LoadPrompts(path string) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(defaultPrompts, &p); err != nil {
		return nil, fmt.Errorf("embedded prompts.yaml: %w", err)
	}
	if path == "" {
		return &p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var override Prompts
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if override.Advisor != "" {
		p.Advisor = override.Advisor
	}
	if override.Recommendations != "" {
		p.Recommendations = override.Recommendations
	}
	if override.RiskAssessment != "" {
		p.RiskAssessment = override.RiskAssessment
	}
	return &p, nil
}
