package inspector

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/internal/onnxtest"
	"github.com/zerfoo/zparse/pkg/importer"
	"github.com/zerfoo/zparse/pkg/zmfio"
)

// Helper function to create a small ONNX model file
func createDummyOnnxModel(t *testing.T, dir, filename string) string {
	t.Helper()
	b := onnxtest.NewModel("dummy").
		Input("x", onnx.TensorProto_FLOAT, 1, 4).
		FloatInit("bias", []int64{4}, 1, 2, 3, 4).
		NamedNode("node1", "Add", []string{"x", "bias"}, []string{"a"}).
		NamedNode("node2", "Gelu", []string{"a"}, []string{"b"}).
		NamedNode("node3", "Relu", []string{"b"}, []string{"y"}).
		Output("y")
	b.Model().IrVersion = 4
	b.Model().OpsetImport[0].Version = 9

	filePath := filepath.Join(dir, filename)
	if err := os.WriteFile(filePath, b.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write dummy ONNX model: %v", err)
	}
	return filePath
}

// Helper function to create a dummy ZMF model file
func createDummyZmfModel(t *testing.T, dir, filename string) string {
	t.Helper()
	zmfModel := &zmf.Model{
		Metadata: &zmf.Metadata{
			ProducerName:    "test-producer",
			ProducerVersion: "1.0",
			OpsetVersion:    1,
		},
		Graph: &zmf.Graph{
			Nodes: []*zmf.Node{
				{Name: "zmf_node1", OpType: "Add"},
			},
			Parameters: map[string]*zmf.Tensor{
				"w": {Dtype: zmf.Tensor_FLOAT32, Shape: []int64{1}, Data: []byte{0, 0, 0x80, 0x3f}},
			},
		},
	}
	filePath := filepath.Join(dir, filename)
	if err := zmfio.Save(zmfModel, filePath); err != nil {
		t.Fatalf("Failed to write dummy ZMF model: %v", err)
	}
	return filePath
}

func TestInspectONNX(t *testing.T) {
	onnxFile := createDummyOnnxModel(t, t.TempDir(), "test.onnx")

	var buf bytes.Buffer
	if err := InspectONNX(&buf, onnxFile, importer.Registry()); err != nil {
		t.Fatalf("InspectONNX returned an error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Inspecting ONNX model from:",
		"Successfully loaded model with IR version: 4",
		"Opset version: 9",
		"Graph has 3 nodes.",
		"Input: x float32 [1 4]",
		"Output: y",
		"Graph has 1 initializers (16 bytes).",
		"- Add: 1",
		"- Gelu: 1",
		"Support: 2 of 3 nodes supported in 3 runs.",
		"- supported [0..0]",
		"- unsupported [1..1]",
		"1 node2 (Gelu): no importer registered for Gelu",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}
}

func TestInspectONNXMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := InspectONNX(&buf, filepath.Join(t.TempDir(), "missing.onnx"), nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestInspectZMF(t *testing.T) {
	zmfFile := createDummyZmfModel(t, t.TempDir(), "test.zmf")

	var buf bytes.Buffer
	if err := InspectZMF(&buf, zmfFile); err != nil {
		t.Fatalf("InspectZMF returned an error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Inspecting ZMF model from:",
		"Producer: test-producer 1.0",
		"Opset version: 1",
		"Graph has 1 nodes.",
		"Graph has 1 parameters.",
		"- Node: zmf_node1, OpType: Add",
		"- w: float32 [1] (4 bytes) min=1 max=1 mean=1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}
}
