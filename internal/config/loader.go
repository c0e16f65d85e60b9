package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trip_planner/internal/core"
	"trip_planner/pkg"
)

// PipelineFile represents the structure of the optional pipeline YAML file
type PipelineFile struct {
	Stages map[pkg.StageName]struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"stages"`
}

// LoadPipelineFile loads per-stage settings from a YAML file
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pipeline file: %w", err)
	}

	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing pipeline YAML: %w", err)
	}
	return &file, nil
}

// Apply returns a copy of stages with the file's overrides. A stage named in
// the file but missing from stages is an error.
func (f *PipelineFile) Apply(stages []core.Stage) ([]core.Stage, error) {
	out := make([]core.Stage, len(stages))
	copy(out, stages)
	if f == nil {
		return out, nil
	}

	index := make(map[pkg.StageName]int, len(out))
	for i, s := range out {
		index[s.Name] = i
	}
	for name, override := range f.Stages {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownStage, name)
		}
		if override.Timeout > 0 {
			out[i].Timeout = override.Timeout
		}
	}
	return out, nil
}

// Stages returns the default pipeline stages with the overlay at path
// applied. An empty path returns the defaults.
func Stages(path string) ([]core.Stage, error) {
	if path == "" {
		return core.DefaultStages(), nil
	}
	file, err := LoadPipelineFile(path)
	if err != nil {
		return nil, err
	}
	return file.Apply(core.DefaultStages())
}
