package workerrt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/registry"
)

// capabilitiesFile is the on-disk shape of a declarative capability
// definition file: a bare list under a "capabilities" key, each entry
// matching registry.Definition field-for-field.
type capabilitiesFile struct {
	Capabilities []registry.Definition `yaml:"capabilities"`
}

// LoadCapabilitiesFile reads a YAML file declaring a worker's capability
// list, so a worker can describe what it offers declaratively instead of
// only by constructing registry.Definition values in Go. An empty or
// absent capabilities key yields an empty, non-nil slice rather than an
// error.
func LoadCapabilitiesFile(path string) ([]registry.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.NewValidationError(fmt.Sprintf("read capabilities file %s: %v", path, err))
	}

	var file capabilitiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apierr.NewValidationError(fmt.Sprintf("parse capabilities file %s: %v", path, err))
	}

	if file.Capabilities == nil {
		return []registry.Definition{}, nil
	}
	return file.Capabilities, nil
}
