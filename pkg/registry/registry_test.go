package registry_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/internal/onnxtest"
	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func passthrough(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	return ctx.Outputs(n, graph.Float), nil
}

func testRegistry() *registry.Registry {
	r := registry.New()
	r.Register("Relu", registry.Func(passthrough, nil))
	r.Register("Picky", registry.Func(passthrough, func(_ *graph.Graph, n *graph.Node) error {
		if n.IntOr("mode", 0) != 0 {
			return errors.New("Picky: mode must be 0")
		}
		return nil
	}))
	r.RegisterDomain("com.example", "Fancy", registry.Func(passthrough, nil))
	return r
}

func TestOracleReasons(t *testing.T) {
	b := onnxtest.NewModel("oracle").
		Input("x", onnx.TensorProto_FLOAT, 4).
		Input("s", onnx.TensorProto_STRING, 4).
		NamedNode("relu", "Relu", []string{"x"}, []string{"a"}).
		NamedNode("picky", "Picky", []string{"a"}, []string{"b"}, onnxtest.AttrInt("mode", 1)).
		NamedNode("missing", "Gelu", []string{"b"}, []string{"c"}).
		NamedNode("strings", "Relu", []string{"s"}, []string{"d"})
	b.NamedNode("custom", "Fancy", []string{"c"}, []string{"e"})
	b.NamedNode("other", "Fancy", []string{"e"}, []string{"f"})
	b.Output("d").Output("f")
	m := b.Model()
	m.Graph.Node[4].Domain = "com.example"
	m.Graph.Node[5].Domain = "org.other"

	g, err := graph.FromModel(m)
	require.NoError(t, err)
	byName := map[string]*graph.Node{}
	for _, n := range g.Nodes {
		byName[n.Name] = n
	}

	tests := []struct {
		node   string
		ok     bool
		reason string
	}{
		{"relu", true, ""},
		{"picky", false, "Picky: mode must be 0"},
		{"missing", false, "no importer registered for Gelu"},
		{"strings", false, "unsupported element type: s (string)"},
		{"custom", true, ""},
		{"other", false, "no importer for Fancy in domain org.other"},
	}
	oracle := testRegistry().OracleFor(g)
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			ok, reason := oracle.Supports(byName[tt.node])
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestOracleDisabledOps(t *testing.T) {
	g, err := graph.FromModel(onnxtest.Chain("Relu").Model())
	require.NoError(t, err)

	ok, reason := testRegistry().OracleFor(g, "Relu").Supports(g.Nodes[0])
	assert.False(t, ok)
	assert.Equal(t, "operator Relu is disabled", reason)
}

func TestRegistryCopies(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, []string{"Picky", "Relu", "com.example::Fancy"}, r.Ops())

	c := r.Clone()
	c.Register("Tanh", registry.Func(passthrough, nil))
	assert.False(t, r.Has("Tanh"))
	assert.True(t, c.Has("Tanh"))

	w := r.Without("Relu")
	assert.False(t, w.Has("Relu"))
	assert.True(t, r.Has("Relu"))

	_, ok := r.Get("ai.onnx", "Relu")
	assert.True(t, ok, "ai.onnx is the default domain")
	_, ok = r.Get("com.example", "Relu")
	assert.False(t, ok)
	_, ok = r.Get("com.example", "Fancy")
	assert.True(t, ok)
}

func TestContextOutputs(t *testing.T) {
	b := onnxtest.NewModel("outs").
		Input("x", onnx.TensorProto_FLOAT, 4).
		Node("Split", []string{"x"}, []string{"a", "", "c"}).
		Output("a").Output("c")
	m := b.Model()
	m.Graph.ValueInfo = append(m.Graph.ValueInfo, onnxtest.ValueInfo("a", onnx.TensorProto_INT64, 2))
	g, err := graph.FromModel(m)
	require.NoError(t, err)

	ctx := &registry.Context{Graph: g}
	outs := ctx.Outputs(g.Nodes[0], graph.Float)
	require.Len(t, outs, 2)
	assert.Equal(t, "a", outs[0].Name)
	assert.Equal(t, graph.Int64, outs[0].DType)
	assert.Equal(t, graph.Shape{2}, outs[0].Shape)
	assert.Equal(t, "c", outs[1].Name)
	assert.Equal(t, graph.Float, outs[1].DType)
}

func TestInput(t *testing.T) {
	assert.True(t, registry.Input{}.Absent())
	in := registry.Input{Weights: &network.Weights{Name: "w"}}
	assert.False(t, in.Absent())
	assert.True(t, in.IsWeights())
}
