package nodes

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is the system and user template pair of one model call.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Prompts maps a stage (or helper call) name to its prompt.
type Prompts map[string]Prompt

func DefaultPrompts() (Prompts, error) {
	return ParsePrompts(defaultPrompts)
}

func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading prompts file: %w", err)
	}
	return ParsePrompts(data)
}

func ParsePrompts(data []byte) (Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("error parsing prompts YAML: %w", err)
	}
	return p, nil
}

// Get returns the prompt for name or an error when it is missing or has no
// user template.
func (p Prompts) Get(name string) (Prompt, error) {
	pr, ok := p[name]
	if !ok || pr.User == "" {
		return Prompt{}, fmt.Errorf("no prompt configured for %q", name)
	}
	return pr, nil
}
