package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadActors reads an actor registry file: a YAML (or JSON) list of
// {name, kind, params, sync_models} entries.
func LoadActors(path string) ([]ActorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actors file: %w", err)
	}

	var actors []ActorConfig
	if err := yaml.Unmarshal(data, &actors); err != nil {
		return nil, fmt.Errorf("parse actors file %s: %w", path, err)
	}

	for i, a := range actors {
		if a.Name == "" || a.Kind == "" {
			return nil, fmt.Errorf("actors file %s: entry %d needs a name and a kind", path, i)
		}
	}
	return actors, nil
}

// MarshalActors renders actors in the registry file format.
func MarshalActors(actors []ActorConfig) ([]byte, error) {
	return yaml.Marshal(actors)
}
