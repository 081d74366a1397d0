package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrScenarioNotFound is returned when a scenario file does not exist.
var ErrScenarioNotFound = errors.New("scenario file does not exist")

// Loader loads test scenarios from YAML files.
type Loader struct {
	// basePath is the base directory for resolving relative paths
	basePath string
}

// NewLoader creates a new scenario loader.
// basePath is used to resolve relative scenario file paths.
// If basePath is empty, the current working directory is used.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
	}
}

// Load loads a test scenario from a YAML file.
// The path can be absolute or relative to the loader's basePath.
func (l *Loader) Load(path string) (*TestScenario, error) {
	resolvedPath, err := l.resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scenario path: %w", err)
	}

	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", resolvedPath, err)
	}

	scenario, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolvedPath, err)
	}

	return scenario, nil
}

// LoadMultiple loads multiple test scenarios from YAML files.
// Returns all successfully loaded scenarios and any errors encountered.
func (l *Loader) LoadMultiple(paths []string) ([]*TestScenario, []error) {
	scenarios := make([]*TestScenario, 0, len(paths))
	var errs []error

	for _, path := range paths {
		scenario, err := l.Load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load %s: %w", path, err))
			continue
		}
		scenarios = append(scenarios, scenario)
	}

	return scenarios, errs
}

// Parse decodes and validates a scenario document. Unknown fields are
// rejected so that a misspelled key does not silently skip a check.
func Parse(data []byte) (*TestScenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var scenario TestScenario
	if err := dec.Decode(&scenario); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("scenario validation failed: %w", err)
	}

	return &scenario, nil
}

// resolvePath resolves a file path relative to the loader's basePath.
func (l *Loader) resolvePath(path string) (string, error) {
	resolvedPath := path
	if !filepath.IsAbs(path) {
		resolvedPath = filepath.Join(l.basePath, path)
	}

	if _, err := os.Stat(resolvedPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrScenarioNotFound, resolvedPath)
		}
		return "", fmt.Errorf("failed to stat scenario file %s: %w", resolvedPath, err)
	}

	return resolvedPath, nil
}
