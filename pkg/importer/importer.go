// Package importer exposes the built-in operator importers and loads ONNX
// files into validated graphs.
package importer

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/pkg/graph"
	_ "github.com/zerfoo/zparse/pkg/importer/layers" // registers the built-in importers
	"github.com/zerfoo/zparse/pkg/registry"
)

// Registry returns a copy of the built-in importer registry that callers may
// extend or trim.
func Registry() *registry.Registry {
	return registry.Default.Clone()
}

// SupportedOps lists the op types with a built-in importer.
func SupportedOps() []string {
	return registry.Default.Ops()
}

// LoadGraph reads an ONNX model file and returns its validated graph.
// External tensor data is resolved next to the file.
func LoadGraph(path string) (*graph.Graph, error) {
	model, err := onnx.LoadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "load %s", path)
	}
	return graph.FromModel(model, graph.WithBaseDir(filepath.Dir(path)))
}
