package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Decode parses a runtime config from YAML. JSON is accepted too, being a
// subset of YAML. Unknown fields and duplicate service ids are errors.
func Decode(data []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("config is empty")
		}
		return Config{}, err
	}

	if err := checkDuplicateIDs(cfg.Services); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and decodes the config at path. Name defaults to the base name
// of the file's directory and ProjectDir is set to that directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Decode(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, err
	}
	cfg.ProjectDir = dir
	if cfg.Name == "" {
		cfg.Name = filepath.Base(dir)
	}
	return cfg, nil
}

func checkDuplicateIDs(services []Service) error {
	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		if svc.ID == "" {
			continue // reported by Validate
		}
		if seen[svc.ID] {
			return fmt.Errorf("duplicate service id: %q", svc.ID)
		}
		seen[svc.ID] = true
	}
	return nil
}
