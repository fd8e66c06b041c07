// Package registry loads the field registry that drives the whole
// pipeline: which fields exist, which sources carry them, how they are
// derived, and how strictly they reconcile.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// File is the on-disk shape of the registry definition.
type File struct {
	Fields []model.FieldDef `yaml:"fields"`
}

// LoadFields reads a YAML field registry from the given path and returns
// an indexed, validated FieldRegistry. Any structural problem in the file
// is a startup error; the pipeline never runs against a half-valid
// registry.
func LoadFields(path string) (*model.FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read fields file")
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal fields file")
	}
	if len(f.Fields) == 0 {
		return nil, eris.Errorf("registry: %s defines no fields", path)
	}

	reg, err := model.NewFieldRegistry(f.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "registry: validate fields")
	}
	return reg, nil
}

// ValidateSources checks that every source ID referenced by the registry is
// one the pipeline actually knows how to fetch from. A field pointing at an
// unregistered source is a configuration error, not something to discover
// mid-run.
func ValidateSources(reg *model.FieldRegistry, known []string) error {
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}
	for _, id := range reg.SourceIDs() {
		if !knownSet[id] {
			return eris.Errorf("registry: field source %q has no registered adapter", id)
		}
	}
	return nil
}
