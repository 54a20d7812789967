package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/execgate/internal/files"
	"gopkg.in/yaml.v3"
)

const configFileName = ".execgate.yaml"

// config is the optional YAML file listing the targets commands run against.
type config struct {
	Targets  []string `yaml:"targets"`
	LogLevel string   `yaml:"log-level"`
}

// loadConfig reads the config file at path. With an empty path it searches up from the working
// directory for .execgate.yaml, returning an empty config if there is none.
func loadConfig(path string) (config, error) {
	if path == "" {
		found, err := files.FindUpFromWD(configFileName)
		if err != nil {
			return config{}, fmt.Errorf("searching for %s: %w", configFileName, err)
		}
		if found == "" {
			return config{}, nil
		}
		path = found
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config: %w", err)
	}
	var c config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// targets merges the config targets with the ones given on the command line.
func (c config) targets(flagTargets []string) ([]string, error) {
	targets := append(append([]string(nil), c.Targets...), flagTargets...)
	if len(targets) == 0 {
		return nil, errors.New("no targets: pass --tx or list targets in the config file")
	}
	return targets, nil
}
