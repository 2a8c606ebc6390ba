// Package definition loads workflow template YAML files, validates them, keeps
// a fast-lookup registry with atomic pointer swap, and publishes templates
// to the workflow store.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/docket/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for workflow template files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowTemplate.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowTemplate, error) {
	var tpls []model.WorkflowTemplate

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			tpl, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			tpls = append(tpls, tpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return tpls, nil
}

// LoadFile loads and parses a single template file. It computes the SHA-256
// checksum and records the source file path. Templates are active unless the
// file says otherwise.
func (l *Loader) LoadFile(path string) (model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tpl := model.WorkflowTemplate{IsActive: true}
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	tpl.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	tpl.SourceFile = path

	return tpl, nil
}
