package parser_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/internal/onnxtest"
	"github.com/zerfoo/zparse/pkg/converter"
	"github.com/zerfoo/zparse/pkg/diag"
	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/parser"
	"github.com/zerfoo/zparse/pkg/partition"
	"github.com/zerfoo/zparse/pkg/refit"
)

func newParser(t *testing.T, opts ...parser.Option) (*parser.Parser, *network.ZMF, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	net := network.NewZMF()
	p, err := parser.New(net, logger, parser.Version, opts...)
	require.NoError(t, err)
	return p, net, hook
}

func diagnostics(t *testing.T, p *parser.Parser) []*diag.ParserError {
	t.Helper()
	out := make([]*diag.ParserError, p.NumErrors())
	for i := range out {
		e, err := p.Error(i)
		require.NoError(t, err)
		out[i] = e
	}
	return out
}

// tripleMatMul consumes W from three layers.
func tripleMatMul() *onnxtest.Builder {
	return onnxtest.NewModel("triple").
		Input("x", onnx.TensorProto_FLOAT, 1, 2).
		FloatInit("W", []int64{2, 2}, 1, 2, 3, 4).
		NamedNode("m1", "MatMul", []string{"x", "W"}, []string{"a"}).
		NamedNode("m2", "MatMul", []string{"a", "W"}, []string{"b"}).
		NamedNode("m3", "MatMul", []string{"b", "W"}, []string{"y"}).
		Output("y")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, 100, parser.GetVersion())

	p, err := parser.New(network.NewZMF(), nil, parser.Version+1)
	assert.Error(t, err)
	assert.Nil(t, p)

	p, err = parser.New(nil, nil, parser.Version)
	assert.Error(t, err)
	assert.Nil(t, p)
}

func TestParse(t *testing.T) {
	p, net, _ := newParser(t)
	require.NoError(t, p.Parse(onnxtest.Chain("Relu", "Sigmoid").Bytes(), ""))
	assert.Equal(t, 0, p.NumErrors())
	require.Len(t, net.Layers(), 2)
	assert.Equal(t, "n0", net.Layers()[0].Name)
	assert.Equal(t, "n1", net.Layers()[1].Name)
}

func TestParseDecodeFailure(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"truncated": onnxtest.Chain("Relu").Bytes()[:7],
		"garbage":   {0xff},
	} {
		t.Run(name, func(t *testing.T) {
			p, net, _ := newParser(t)
			require.Error(t, p.Parse(data, ""))
			errs := diagnostics(t, p)
			require.Len(t, errs, 1)
			assert.Equal(t, diag.ModelDeserializeFailed, errs[0].Code)
			assert.Equal(t, diag.NoNode, errs[0].Node)
			assert.Empty(t, net.Layers())
		})
	}
}

func TestParseInvalidGraph(t *testing.T) {
	b := onnxtest.NewModel("dangling").
		Input("x", onnx.TensorProto_FLOAT, 2).
		Node("Add", []string{"x", "nowhere"}, []string{"y"}).
		Output("y")
	p, _, _ := newParser(t)
	require.Error(t, p.Parse(b.Bytes(), ""))
	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Equal(t, diag.InvalidGraph, errs[0].Code)
	assert.Equal(t, diag.NoNode, errs[0].Node)
	assert.NotEmpty(t, errs[0].File)
}

func TestParseRejectsUnsupportedBeforeImport(t *testing.T) {
	p, net, _ := newParser(t)
	require.Error(t, p.Parse(onnxtest.Chain("Relu", "Gelu", "Foo", "Relu").Bytes(), ""))

	errs := diagnostics(t, p)
	require.Len(t, errs, 2)
	for i, e := range errs {
		assert.Equal(t, diag.UnsupportedNode, e.Code)
		assert.Equal(t, i+1, e.Node)
	}
	assert.Contains(t, errs[0].Desc, "no importer registered for Gelu")
	assert.Empty(t, net.Layers(), "nothing is imported when a node is unsupported")
	assert.Nil(t, p.RefitMap())
}

func TestParseBestEffort(t *testing.T) {
	p, net, _ := newParser(t, parser.WithBestEffort(true))
	require.Error(t, p.Parse(onnxtest.Chain("Relu", "Gelu", "Relu").Bytes(), ""))

	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Equal(t, diag.UnsupportedNode, errs[0].Code)
	assert.Equal(t, 1, errs[0].Node)
	assert.Len(t, net.Layers(), 1)
}

func TestParseDisabledOps(t *testing.T) {
	p, _, _ := newParser(t, parser.WithDisabledOps("Sigmoid"))
	require.Error(t, p.Parse(onnxtest.Chain("Relu", "Sigmoid").Bytes(), ""))
	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Desc, "operator Sigmoid is disabled")
	assert.False(t, p.SupportsOperator("Sigmoid"))
	assert.True(t, p.SupportsOperator("Relu"))
	assert.False(t, p.SupportsOperator("Gelu"))
}

func TestRefitMapNaming(t *testing.T) {
	p, _, _ := newParser(t)
	require.NoError(t, p.Parse(tripleMatMul().Bytes(), ""))

	want := []refit.Entry{
		{WeightName: "W", LayerName: "m1", Role: network.RoleKernel, Source: "W"},
		{WeightName: "W_1", LayerName: "m2", Role: network.RoleKernel, Source: "W"},
		{WeightName: "W_2", LayerName: "m3", Role: network.RoleKernel, Source: "W"},
	}
	if diff := cmp.Diff(want, p.RefitMap()); diff != "" {
		t.Errorf("refit map mismatch (-want +got):\n%s", diff)
	}

	require.Error(t, p.Parse([]byte{0xff}, ""))
	assert.Nil(t, p.RefitMap(), "each parse starts a new refit map")
}

func TestParseWithWeightDescriptors(t *testing.T) {
	data := make([]byte, 16)
	for i, v := range []float32{5, 6, 7, 8} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	orig := append([]byte(nil), data...)

	p, net, _ := newParser(t)
	err := p.ParseWithWeightDescriptors(tripleMatMul().Bytes(), []converter.WeightDescriptor{
		{Name: "W", DType: graph.Float, Shape: []int64{2, 2}, Data: data},
	})
	require.NoError(t, err)
	assert.Equal(t, orig, net.Model().GetGraph().GetParameters()["W"].GetData())
	assert.Equal(t, orig, data, "descriptor data is not modified")
	assert.Len(t, p.RefitMap(), 3)
}

func TestParseWithBadWeightDescriptor(t *testing.T) {
	p, _, _ := newParser(t)
	err := p.ParseWithWeightDescriptors(tripleMatMul().Bytes(), []converter.WeightDescriptor{
		{Name: "W", DType: graph.Float, Data: make([]byte, 6)},
	})
	require.Error(t, err)
	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Equal(t, diag.InvalidValue, errs[0].Code)
}

func TestParseStrippedWeights(t *testing.T) {
	model := onnxtest.NewModel("stripped").
		Input("x", onnx.TensorProto_FLOAT, 1, 2).
		Initializer(onnxtest.StrippedTensor("W", onnx.TensorProto_FLOAT, 2, 2)).
		NamedNode("m", "MatMul", []string{"x", "W"}, []string{"y"}).
		Output("y").Bytes()

	data := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	p, net, _ := newParser(t)
	require.NoError(t, p.ParseWithWeightDescriptors(model, []converter.WeightDescriptor{
		{Name: "W", DType: graph.Float, Shape: []int64{2, 2}, Data: data},
	}))
	assert.Equal(t, data, net.Model().GetGraph().GetParameters()["W"].GetData())

	p, _, _ = newParser(t)
	require.Error(t, p.Parse(model, ""))
	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Equal(t, diag.InvalidValue, errs[0].Code)
	assert.Contains(t, errs[0].Desc, "no weight descriptor supplies it")
}

func TestParseKernelFromDescriptor(t *testing.T) {
	model := onnxtest.NewModel("conv").
		Input("x", onnx.TensorProto_FLOAT, 1, 1, 4, 4).
		Input("K", onnx.TensorProto_FLOAT, 2, 1, 3, 3).
		NamedNode("conv", "Conv", []string{"x", "K"}, []string{"y"}).
		Output("y").Bytes()

	check, _, _ := newParser(t)
	ok, subgraphs := check.SupportsModel(model, "")
	assert.False(t, ok, "without a descriptor the kernel is a runtime input")
	require.NotEmpty(t, subgraphs)

	p, net, _ := newParser(t)
	kernel := make([]byte, 2*9*4)
	require.NoError(t, p.ParseWithWeightDescriptors(model, []converter.WeightDescriptor{
		{Name: "K", DType: graph.Float, Shape: []int64{2, 1, 3, 3}, Data: kernel},
	}))
	nodes := net.Model().GetGraph().GetNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "Conv2D", nodes[0].GetOpType())
	assert.Equal(t, kernel, net.Model().GetGraph().GetParameters()["K"].GetData())

	entries := p.RefitMap()
	require.Len(t, entries, 1)
	assert.Equal(t, refit.Entry{WeightName: "K", LayerName: "conv", Role: network.RoleKernel, Source: "K"}, entries[0])
}

func TestParseFP16(t *testing.T) {
	p, net, _ := newParser(t, parser.WithPrecision(converter.PrecisionFP16))
	require.NoError(t, p.Parse(tripleMatMul().Bytes(), ""))
	assert.Len(t, net.Model().GetGraph().GetParameters()["W"].GetData(), 8)
}

func TestSupportsModel(t *testing.T) {
	p, net, _ := newParser(t)
	data := onnxtest.Chain("Relu", "Gelu", "Foo", "Tanh").Bytes()

	ok, runs := p.SupportsModel(data, "")
	assert.False(t, ok)
	want := partition.Collection{
		{Nodes: []int{0}, Supported: true},
		{Nodes: []int{1, 2}, Supported: false},
		{Nodes: []int{3}, Supported: true},
	}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("partition mismatch (-want +got):\n%s", diff)
	}

	_, again := p.SupportsModel(data, "")
	assert.Empty(t, cmp.Diff(runs, again), "SupportsModel is idempotent")
	assert.Empty(t, net.Layers(), "SupportsModel never touches the network")
	assert.Equal(t, 0, p.NumErrors(), "unsupported verdicts are not diagnostics")

	ok, runs = p.SupportsModel(onnxtest.Chain("Relu", "Tanh").Bytes(), "")
	assert.True(t, ok)
	assert.Len(t, runs, 1)
}

func TestSupportsModelEmptyGraph(t *testing.T) {
	p, _, _ := newParser(t)
	ok, runs := p.SupportsModel(onnxtest.NewModel("empty").Bytes(), "")
	assert.True(t, ok)
	assert.Empty(t, runs)
}

func TestSupportsModelDecodeFailure(t *testing.T) {
	p, _, _ := newParser(t)
	ok, runs := p.SupportsModel([]byte{0xff}, "")
	assert.False(t, ok)
	assert.Nil(t, runs)
	errs := diagnostics(t, p)
	require.Len(t, errs, 1)
	assert.Equal(t, diag.ModelDeserializeFailed, errs[0].Code)
}

func TestClearErrors(t *testing.T) {
	p, _, _ := newParser(t)
	require.Error(t, p.Parse(nil, ""))
	require.Error(t, p.Parse(nil, ""))
	assert.Equal(t, 2, p.NumErrors(), "diagnostics accumulate")

	p.ClearErrors()
	assert.Equal(t, 0, p.NumErrors())
	_, err := p.Error(0)
	assert.ErrorIs(t, err, diag.ErrOutOfRange)
}

func TestParseFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(path, onnxtest.Chain("Relu").Bytes(), 0o600))

	p, net, _ := newParser(t)
	require.NoError(t, p.ParseFromFile(path, 1))
	assert.Len(t, net.Layers(), 1)

	require.Error(t, p.ParseFromFile(filepath.Join(dir, "missing.onnx"), 1))
	text := filepath.Join(dir, "model.pbtxt")
	require.NoError(t, os.WriteFile(text, []byte("ir_version: 8"), 0o600))
	require.Error(t, p.ParseFromFile(text, 1))

	errs := diagnostics(t, p)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, diag.ModelDeserializeFailed, e.Code)
		assert.Equal(t, diag.NoNode, e.Node)
	}
}

func TestParseFromFileVerbosity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, onnxtest.Chain("Relu").Bytes(), 0o600))

	p, _, hook := newParser(t)
	require.NoError(t, p.ParseFromFile(path, 1))
	assert.Empty(t, hook.AllEntries(), "verbosity 1 logs errors only")

	p, _, hook = newParser(t)
	require.NoError(t, p.ParseFromFile(path, 4))
	var debug bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.DebugLevel {
			debug = true
		}
	}
	assert.True(t, debug)
}

func TestParseLogsParseID(t *testing.T) {
	p, _, hook := newParser(t)
	require.NoError(t, p.Parse(onnxtest.Chain("Relu").Bytes(), ""))
	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "Imported graph", last.Message)
	assert.NotEmpty(t, last.Data["parse_id"])
}

func TestLevelForVerbosity(t *testing.T) {
	tests := map[int]logrus.Level{
		0: logrus.ErrorLevel,
		1: logrus.ErrorLevel,
		2: logrus.WarnLevel,
		3: logrus.InfoLevel,
		4: logrus.DebugLevel,
		9: logrus.DebugLevel,
	}
	for v, want := range tests {
		assert.Equal(t, want, parser.LevelForVerbosity(v), v)
	}
}
