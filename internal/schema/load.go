package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileDoc is the top-level structure of a declarative model file.
type fileDoc struct {
	Models []*Model `yaml:"models"`
}

// LoadFile registers every model declared in a YAML file.
//
// File format:
//
//	models:
//	  - name: author
//	    fields:
//	      - {name: name, type: text, required: true}
//	  - name: book
//	    fields:
//	      - {name: title, type: text, required: true}
//	    relations:
//	      - {name: author, kind: to-one, target: author, inverse: books}
//
// Custom validator functions cannot be declared in YAML; attach them by
// registering models in code instead.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model file %s: %w", path, err)
	}
	var doc fileDoc
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to parse model file %s: %w", path, err)
	}
	for _, m := range doc.Models {
		if err := r.Register(m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// LoadDir registers models from every .yaml/.yml file in dir, in sorted file
// order, then finalizes the registry.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read model directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(paths)
	for _, path := range paths {
		if err := r.LoadFile(path); err != nil {
			return err
		}
	}
	return r.Finalize()
}
