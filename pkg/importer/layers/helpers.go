// Package layers holds the built-in operator importers. Importing the
// package registers them in registry.Default.
package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

// addLayer adds one layer named after n whose outputs are n's outputs.
func addLayer(ctx *registry.Context, n *graph.Node, typ string, inputs []*network.Tensor,
	weights []network.WeightBinding, attrs map[string]any) ([]*network.Tensor, error) {
	dtype := graph.Float
	if len(inputs) > 0 && inputs[0] != nil && inputs[0].DType != graph.Undefined {
		dtype = inputs[0].DType
	}
	outs := ctx.Outputs(n, dtype)
	_, err := ctx.Network.AddLayer(network.LayerSpec{
		Name:       n.LayerName(),
		Type:       typ,
		Inputs:     inputs,
		Weights:    weights,
		Attributes: attrs,
		Outputs:    outs,
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}

// tensorAt returns input i as a network tensor. Model constants without a
// tensor are turned into a Constant layer first.
func tensorAt(ctx *registry.Context, n *graph.Node, inputs []registry.Input, i int) (*network.Tensor, error) {
	if i >= len(inputs) || inputs[i].Absent() {
		return nil, errors.Errorf("%s: missing input %d", n.OpType, i)
	}
	if inputs[i].Tensor != nil {
		return inputs[i].Tensor, nil
	}
	return ctx.ConstantTensor(n.LayerName(), inputs[i].Weights)
}

// tensorsAll returns every present input as a tensor.
func tensorsAll(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	out := make([]*network.Tensor, 0, len(inputs))
	for i := range inputs {
		if inputs[i].Absent() {
			continue
		}
		t, err := tensorAt(ctx, n, inputs, i)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// weightsAt returns input i when it is a model constant.
func weightsAt(inputs []registry.Input, i int) *network.Weights {
	if i >= len(inputs) {
		return nil
	}
	return inputs[i].Weights
}

// intsAt decodes constant input i as integers. ok is false when the input is
// absent.
func intsAt(n *graph.Node, inputs []registry.Input, i int) (vals []int64, ok bool, err error) {
	if i >= len(inputs) || inputs[i].Absent() {
		return nil, false, nil
	}
	w := inputs[i].Weights
	if w == nil {
		return nil, false, errors.Errorf("%s: input %d must be a constant", n.OpType, i)
	}
	vals, err = (&graph.Constant{DType: w.DType, Dims: w.Shape, Data: w.Data}).Int64s()
	if err != nil {
		return nil, false, errors.WithMessagef(err, "%s: input %d", n.OpType, i)
	}
	return vals, true, nil
}

// requireConst fails unless input i of n is absent or a constant known to g.
func requireConst(g *graph.Graph, n *graph.Node, i int, what string) error {
	name := n.Input(i)
	if name == "" || g.Constant(name) != nil {
		return nil
	}
	return errors.Errorf("%s: %s %q is not a constant", n.OpType, what, name)
}

// requireInputs fails unless n has at least min non-empty leading inputs.
func requireInputs(n *graph.Node, min int) error {
	for i := 0; i < min; i++ {
		if n.Input(i) == "" {
			return errors.Errorf("%s expects at least %d inputs", n.OpType, min)
		}
	}
	return nil
}

// rankOf returns the rank of a tensor when the graph knows it.
func rankOf(g *graph.Graph, name string) (int, bool) {
	t := g.Tensor(name)
	if t == nil || t.Shape == nil {
		return 0, false
	}
	return len(t.Shape), true
}

func checkInputs(min int) registry.CheckFunc {
	return func(_ *graph.Graph, n *graph.Node) error {
		return requireInputs(n, min)
	}
}
