package module

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

const (
	ManifestFile = "module.yaml"
	ScriptFile   = "main.lua"
)

// Manifest is the on-disk description of a script module.
//
//	name: chat
//	version: 1.2.0
//	type: system
//	dependencies:
//	  - name: core
//	    version: ">=1.0.0, <2.0.0"
//	exports:
//	  - view: chat.view
//	    function: send
type Manifest struct {
	Name         string           `yaml:"name"`
	Version      string           `yaml:"version"`
	Description  string           `yaml:"description"`
	Type         string           `yaml:"type"`
	Features     []string         `yaml:"features"`
	Dependencies []Dependency     `yaml:"dependencies"`
	Exports      []ManifestExport `yaml:"exports"`
	// Script overrides main.lua, relative to the manifest directory.
	Script string `yaml:"script"`
}

type ManifestExport struct {
	View     string `yaml:"view"`
	Function string `yaml:"function"`
	// Handler is the Lua global implementing the export. Defaults to Function.
	Handler string `yaml:"handler"`
}

func (m *Manifest) metadata() Metadata {
	return Metadata{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Features:     m.Features,
		Dependencies: m.Dependencies,
	}
}

func DecodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, failure.Wrap(failure.KindDeserialization, "module.manifest", err)
	}
	if m.Name == "" {
		return nil, failure.New(failure.KindInvalidInput, "module.manifest", "manifest has no name")
	}
	if m.Type == "" {
		m.Type = TypeSystem.String()
	}
	return &m, nil
}

// ReadManifest loads dir/module.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Newf(failure.KindNotFound, "module.manifest", "%s", path)
		}
		return nil, failure.Wrap(failure.KindGeneric, "module.manifest", err)
	}
	defer f.Close()
	return DecodeManifest(f)
}

func (m *Manifest) scriptPath(dir string) string {
	if m.Script != "" {
		return filepath.Join(dir, m.Script)
	}
	return filepath.Join(dir, ScriptFile)
}
