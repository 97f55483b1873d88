package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/taskflow/pkg/schema"
)

// definitionFile is a workflow definition read from disk.
type definitionFile struct {
	Path       string
	Definition schema.WorkflowDefinition
}

var definitionExts = []string{".yaml", ".yml", ".json"}

// loadDefinitions reads workflow definitions from files and directories.
// Directories are walked for .yaml, .yml and .json files in lexical order.
func loadDefinitions(paths []string) ([]definitionFile, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && slices.Contains(definitionExts, strings.ToLower(filepath.Ext(path))) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	defs := make([]definitionFile, 0, len(files))
	for _, f := range files {
		def, err := readDefinition(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, definitionFile{Path: f, Definition: def})
	}
	return defs, nil
}

// readDefinition decodes one definition. JSON is valid YAML, so both go
// through the YAML decoder; unknown fields are rejected.
func readDefinition(path string) (schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	data, err := os.ReadFile(path)
	if err != nil {
		return def, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
