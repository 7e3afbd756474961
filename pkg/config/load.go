package config

import (
	"errors"
	"os"

	"sigs.k8s.io/yaml"
)

// LoadTemplate reads a VM template from a JSON or YAML file.
func LoadTemplate(path string) (*Template, error) {
	var template Template
	if err := load(path, &template); err != nil {
		return nil, err
	}

	if err := template.Validate(); err != nil {
		return nil, err
	}

	return &template, nil
}

// LoadTopology reads a topology from a JSON or YAML file.
func LoadTopology(path string) (*Topology, error) {
	var topology Topology
	if err := load(path, &topology); err != nil {
		return nil, err
	}

	if err := topology.Validate(); err != nil {
		return nil, err
	}

	return &topology, nil
}

func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrConfig, ErrCouldNotReadFile, err)
	}

	if err := yaml.Unmarshal(data, v); err != nil {
		if errors.Is(err, ErrConfig) {
			return err
		}

		return errors.Join(ErrConfig, ErrCouldNotDecode, err)
	}

	return nil
}
