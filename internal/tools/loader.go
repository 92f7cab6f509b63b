package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileSpec struct {
	Tools []Definition `yaml:"tools"`
}

// LoadFile reads tool definitions from a YAML file of the form
//
//	tools:
//	  - name: store_hours
//	    description: Opening hours of the store.
//	    parameters: {type: object, properties: {day: {type: string}}}
//	    result: {open: "09:00", close: "18:00"}
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	for i, def := range spec.Tools {
		if def.Name == "" {
			return nil, fmt.Errorf("tools file %s: entry %d: %w", path, i, ErrToolNameRequired)
		}
	}
	return spec.Tools, nil
}

// RegisterStatic registers definitions that answer with their fixed Result.
func (r *Registry) RegisterStatic(defs []Definition) error {
	for _, def := range defs {
		if def.Result == nil {
			return fmt.Errorf("tool %s: no result and no builtin executor", def.Name)
		}
		result := def.Result
		if err := r.Register(def, func(context.Context, json.RawMessage) (any, error) {
			return result, nil
		}); err != nil {
			return err
		}
	}
	return nil
}
