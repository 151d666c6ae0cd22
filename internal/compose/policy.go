package compose

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// Persona selects the conversational register of a reply.
type Persona string

const (
	PersonaCoach   Persona = "coach"
	PersonaSerious Persona = "serious"
	PersonaUrgent  Persona = "urgent"
)

// PersonaSpec describes one persona.
type PersonaSpec struct {
	Description string  `yaml:"description"`
	Temperature float64 `yaml:"temperature"`
}

// Policy is the YAML conversation policy.
type Policy struct {
	System    string                  `yaml:"system"`
	Rules     []string                `yaml:"rules"`
	Personas  map[Persona]PersonaSpec `yaml:"personas"`
	Fallbacks map[string]string       `yaml:"fallbacks"`
}

// DefaultPolicy parses the embedded policy.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if p.System == "" {
		return nil, fmt.Errorf("policy: system prompt is required")
	}
	if _, ok := p.Personas[PersonaCoach]; !ok {
		return nil, fmt.Errorf("policy: persona %q is required", PersonaCoach)
	}
	if p.Fallbacks["default"] == "" {
		return nil, fmt.Errorf("policy: default fallback is required")
	}
	return &p, nil
}

// persona returns the persona named name, falling back to the coach persona.
func (p *Policy) persona(name Persona) PersonaSpec {
	if spec, ok := p.Personas[name]; ok {
		return spec
	}
	return p.Personas[PersonaCoach]
}

// fallback returns the fixed text used when generation fails.
func (p *Policy) fallback(name Persona) string {
	if s := p.Fallbacks[string(name)]; s != "" {
		return s
	}
	return p.Fallbacks["default"]
}
