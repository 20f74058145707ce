package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zparse/pkg/graph"
)

func TestZMFLayers(t *testing.T) {
	n := NewZMF(WithProducer("test", "9.9"))
	x, err := n.AddInput("x", graph.Float, graph.Shape{1, -1})
	require.NoError(t, err)

	w := &Weights{Name: "W", DType: graph.Float, Shape: []int64{2, 2}, Data: make([]byte, 16)}
	b := &Weights{Name: "b", DType: graph.Float, Shape: []int64{2}, Data: make([]byte, 8)}

	y := &Tensor{Name: "y", DType: graph.Float}
	l1, err := n.AddLayer(LayerSpec{
		Name:    "fc",
		Type:    "Dense",
		Inputs:  []*Tensor{x},
		Weights: []WeightBinding{{Role: RoleKernel, Weights: w}, {Role: RoleBias, Weights: b}},
		Attributes: map[string]any{
			"transpose": true,
			"alpha":     0.5,
			"axes":      []int{1},
		},
		Outputs: []*Tensor{y},
	})
	require.NoError(t, err)
	assert.Equal(t, "fc", l1.Name)

	z := &Tensor{Name: "z", DType: graph.Float}
	l2, err := n.AddLayer(LayerSpec{
		Name:    "fc",
		Type:    "Dense",
		Inputs:  []*Tensor{y},
		Weights: []WeightBinding{{Role: RoleKernel, Weights: w}},
		Outputs: []*Tensor{z},
	})
	require.NoError(t, err)
	assert.Equal(t, "fc_1", l2.Name, "duplicate layer names are made unique")

	require.NoError(t, n.MarkOutput(z))
	recordSource(n, 17)

	m := n.Model()
	assert.Equal(t, "test", m.GetMetadata().GetProducerName())
	assert.Equal(t, int64(17), m.GetMetadata().GetOpsetVersion())
	require.Len(t, m.GetGraph().GetNodes(), 2)
	assert.Len(t, m.GetGraph().GetParameters(), 2, "shared weights are stored once")

	node := m.GetGraph().GetNodes()[0]
	assert.Equal(t, []string{"x", "W", "b"}, node.GetInputs())
	assert.Equal(t, []string{"kernel", "bias"}, node.GetAttributes()[RolesAttr].GetStrings().GetVal())
	assert.Equal(t, int64(1), node.GetAttributes()["transpose"].GetI())
	assert.Equal(t, float32(0.5), node.GetAttributes()["alpha"].GetF())
	assert.Equal(t, []int64{1}, node.GetAttributes()["axes"].GetInts().GetVal())

	assert.Equal(t, []int64{1, -1}, m.GetGraph().GetInputs()[0].GetShape())
	assert.Equal(t, "z", m.GetGraph().GetOutputs()[0].GetName())
	assert.Equal(t, zmf.Tensor_FLOAT32, m.GetGraph().GetParameters()["W"].GetDtype())
	assert.Len(t, n.Layers(), 2)
	assert.NoError(t, n.Err())
}

// recordSource uses the optional SourceRecorder interface the way the
// converter does.
func recordSource(n Network, opset int64) {
	if r, ok := n.(SourceRecorder); ok {
		r.RecordSource("g", opset)
	}
}

func TestZMFErrors(t *testing.T) {
	n := NewZMF()
	x, err := n.AddInput("x", graph.Float, graph.Shape{1})
	require.NoError(t, err)

	_, err = n.AddInput("x", graph.Float, nil)
	assert.ErrorContains(t, err, "already defined")

	foreign := &Tensor{Name: "x"}
	_, err = n.AddLayer(LayerSpec{Type: "ReLU", Inputs: []*Tensor{foreign}, Outputs: []*Tensor{{Name: "y"}}})
	assert.ErrorContains(t, err, "does not belong")

	_, err = n.AddLayer(LayerSpec{Type: "ReLU", Inputs: []*Tensor{x}, Outputs: []*Tensor{{Name: "x"}}})
	assert.ErrorContains(t, err, "already defined")

	_, err = n.AddLayer(LayerSpec{Type: "ReLU", Inputs: []*Tensor{x}, Attributes: map[string]any{"bad": struct{}{}}})
	assert.ErrorContains(t, err, "unsupported type")

	w1 := &Weights{Name: "W", DType: graph.Float, Data: make([]byte, 4)}
	w2 := &Weights{Name: "W", DType: graph.Float, Data: make([]byte, 4)}
	_, err = n.AddLayer(LayerSpec{Type: "Scale", Inputs: []*Tensor{x}, Weights: []WeightBinding{{Role: RoleScale, Weights: w1}}})
	require.NoError(t, err)
	_, err = n.AddLayer(LayerSpec{Type: "Scale", Inputs: []*Tensor{x}, Weights: []WeightBinding{{Role: RoleScale, Weights: w2}}})
	assert.ErrorContains(t, err, "conflict")

	q := &Weights{Name: "q", DType: graph.Int8, Data: make([]byte, 1)}
	_, err = n.AddLayer(LayerSpec{Type: "Scale", Inputs: []*Tensor{x}, Weights: []WeightBinding{{Role: RoleScale, Weights: q}}})
	assert.ErrorContains(t, err, "not supported")

	assert.Error(t, n.MarkOutput(foreign))
	assert.ErrorContains(t, n.Err(), "already defined", "Err keeps the first failure")
	assert.Len(t, n.Layers(), 1)
}

func TestRoles(t *testing.T) {
	for _, r := range []Role{RoleUnknown, RoleKernel, RoleBias, RoleShift, RoleScale, RoleConstant} {
		text, err := r.MarshalText()
		require.NoError(t, err)
		var back Role
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, r, back)
	}
	_, err := ParseRole("gamma")
	assert.Error(t, err)
	assert.False(t, CanCarry(graph.String))
	assert.True(t, CanCarry(graph.Float16))
}
