package refit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
)

func TestMapDisambiguates(t *testing.T) {
	m := NewMap()
	m.Record("W", "fc1", network.RoleKernel)
	m.Record("b", "fc1", network.RoleBias)
	m.Record("W", "fc2", network.RoleKernel)
	_, ok := m.Record("W", "fc2", network.RoleKernel)
	assert.False(t, ok, "a layer binding a weight twice is recorded once")
	m.Record("W", "fc3", network.RoleKernel)

	want := []Entry{
		{WeightName: "W", LayerName: "fc1", Role: network.RoleKernel, Source: "W"},
		{WeightName: "b", LayerName: "fc1", Role: network.RoleBias, Source: "b"},
		{WeightName: "W_1", LayerName: "fc2", Role: network.RoleKernel, Source: "W"},
		{WeightName: "W_2", LayerName: "fc3", Role: network.RoleKernel, Source: "W"},
	}
	if diff := cmp.Diff(want, m.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	e, ok := m.Lookup("W_1")
	require.True(t, ok)
	assert.Equal(t, "fc2", e.LayerName)
	_, ok = m.Lookup("W_9")
	assert.False(t, ok)

	m.Reset()
	assert.Equal(t, 0, m.Len())
	e, _ = m.Record("W", "fc9", network.RoleKernel)
	assert.Equal(t, "W", e.WeightName, "numbering restarts after Reset")
}

func TestMapAvoidsNameClash(t *testing.T) {
	m := NewMap()
	m.Record("W_1", "a", network.RoleKernel)
	m.Record("W", "b", network.RoleKernel)
	e, _ := m.Record("W", "c", network.RoleKernel)
	assert.Equal(t, "W_2", e.WeightName)
}

// sharedModel builds two dense layers that share the kernel W.
func sharedModel(t *testing.T) (*zmf.Model, []Entry) {
	t.Helper()
	n := network.NewZMF()
	x, err := n.AddInput("x", graph.Float, graph.Shape{1, 1})
	require.NoError(t, err)
	w := &network.Weights{Name: "W", DType: graph.Float, Shape: []int64{1}, Data: []byte{1, 1, 1, 1}}

	m := NewMap()
	in := x
	for i, name := range []string{"fc1", "fc2"} {
		out := &network.Tensor{Name: []string{"y1", "y2"}[i]}
		l, err := n.AddLayer(network.LayerSpec{
			Name:    name,
			Type:    "Dense",
			Inputs:  []*network.Tensor{in},
			Weights: []network.WeightBinding{{Role: network.RoleKernel, Weights: w}},
			Outputs: []*network.Tensor{out},
		})
		require.NoError(t, err)
		m.Record("W", l.Name, network.RoleKernel)
		in = out
	}
	return n.Model(), m.Entries()
}

func TestApplySplitsSharedWeights(t *testing.T) {
	model, entries := sharedModel(t)

	require.NoError(t, Apply(model, entries, map[string][]byte{"W_1": {2, 2, 2, 2}}))

	params := model.GetGraph().GetParameters()
	assert.Equal(t, []byte{1, 1, 1, 1}, params["W"].GetData(), "W's layer is untouched")
	assert.Equal(t, []byte{2, 2, 2, 2}, params["W_1"].GetData())
	nodes := model.GetGraph().GetNodes()
	assert.Equal(t, []string{"x", "W"}, nodes[0].GetInputs())
	assert.Equal(t, []string{"y1", "W_1"}, nodes[1].GetInputs())

	// Refitting again reuses the split parameter.
	require.NoError(t, Apply(model, entries, map[string][]byte{"W_1": {3, 3, 3, 3}}))
	assert.Equal(t, []byte{3, 3, 3, 3}, params["W_1"].GetData())
}

func TestApplyFirstUseMovesOthers(t *testing.T) {
	model, entries := sharedModel(t)
	update := []byte{5, 5, 5, 5}

	require.NoError(t, Apply(model, entries, map[string][]byte{"W": update}))
	update[0] = 9

	params := model.GetGraph().GetParameters()
	assert.Equal(t, []byte{5, 5, 5, 5}, params["W"].GetData(), "update is copied")
	assert.Equal(t, []byte{1, 1, 1, 1}, params["W_1"].GetData())
	assert.Equal(t, []string{"y1", "W_1"}, model.GetGraph().GetNodes()[1].GetInputs())
}

func TestApplyErrors(t *testing.T) {
	model, entries := sharedModel(t)

	err := Apply(model, entries, map[string][]byte{"nope": {1}})
	assert.ErrorContains(t, err, "no refit entry")

	err = Apply(model, entries, map[string][]byte{"W": {1}})
	assert.ErrorContains(t, err, "got 1 bytes")

	bad := []Entry{{WeightName: "W", LayerName: "ghost", Role: network.RoleKernel, Source: "W"}}
	err = Apply(model, bad, map[string][]byte{"W": {1, 2, 3, 4}})
	assert.ErrorContains(t, err, "not found")

	wrongRole := []Entry{{WeightName: "W", LayerName: "fc1", Role: network.RoleBias, Source: "W"}}
	err = Apply(model, wrongRole, map[string][]byte{"W": {1, 2, 3, 4}})
	assert.ErrorContains(t, err, "binds no bias")

	assert.Error(t, Apply(&zmf.Model{}, entries, nil))
}

func TestFromEntries(t *testing.T) {
	m := FromEntries([]Entry{
		{WeightName: "W", LayerName: "a", Role: network.RoleKernel, Source: "W"},
		{WeightName: "W_1", LayerName: "b", Role: network.RoleKernel, Source: "W"},
		{WeightName: "W", LayerName: "c", Role: network.RoleBias, Source: "W"},
	})
	assert.Equal(t, 2, m.Len())
	e, ok := m.Lookup("W_1")
	assert.True(t, ok)
	assert.Equal(t, "b", e.LayerName)
	e, ok = m.Lookup("W")
	assert.True(t, ok)
	assert.Equal(t, "a", e.LayerName, "the first entry of a name wins")

	// A rebuilt map keeps numbering after the names it was loaded with.
	e, ok = m.Record("W", "d", network.RoleKernel)
	assert.True(t, ok)
	assert.Equal(t, "W_2", e.WeightName)
}
