package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Identity", registry.Func(BuildIdentity, checkInputs(1)))
	registry.Register("Dropout", registry.Func(BuildIdentity, checkDropout))
	registry.Register("Constant", registry.Func(BuildConstant, checkConstant))
	registry.Register("Cast", registry.Func(BuildCast, checkCast))
}

func checkDropout(_ *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	if len(n.Outputs) > 1 && n.Outputs[1] != "" {
		return errors.New("Dropout: the mask output is not supported")
	}
	return nil
}

// BuildIdentity imports Identity, and Dropout which is an identity at
// inference time.
func BuildIdentity(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	return addLayer(ctx, n, "Identity", []*network.Tensor{x}, nil, nil)
}

func checkConstant(_ *graph.Graph, n *graph.Node) error {
	_, err := n.ConstantValue()
	return err
}

// BuildConstant imports a Constant node as a Constant layer holding its
// payload under the output's name. The converter's shared weights are used
// when it knows the output as a constant, so consumers and refit see one
// value.
func BuildConstant(ctx *registry.Context, n *graph.Node, _ []registry.Input) ([]*network.Tensor, error) {
	c, err := n.ConstantValue()
	if err != nil {
		return nil, err
	}
	if len(n.Outputs) == 0 || n.Outputs[0] == "" {
		return nil, errors.New("Constant: no output")
	}
	var w *network.Weights
	if ctx.Weights != nil {
		if w, err = ctx.Weights(n.Outputs[0]); err != nil {
			return nil, err
		}
	}
	if w == nil {
		w = &network.Weights{Name: n.Outputs[0], DType: c.DType, Shape: c.Dims, Data: c.Data}
	}
	weights := []network.WeightBinding{{Role: network.RoleConstant, Weights: w}}
	outs := ctx.Outputs(n, w.DType)
	for _, o := range outs {
		o.DType = w.DType
		o.Shape = graph.Shape(w.Shape)
		if o.Shape == nil {
			o.Shape = graph.Shape{}
		}
	}
	_, err = ctx.Network.AddLayer(network.LayerSpec{
		Name:    n.LayerName(),
		Type:    "Constant",
		Weights: weights,
		Outputs: outs,
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}

func checkCast(_ *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	to := graph.DataType(n.IntOr("to", 0))
	if to == graph.Undefined || !network.CanCarry(to) {
		return errors.Errorf("Cast: unsupported target type %s", to)
	}
	return nil
}

// BuildCast imports Cast; the target type is stored by name.
func BuildCast(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	if err := checkCast(ctx.Graph, n); err != nil {
		return nil, err
	}
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	to := graph.DataType(n.IntOr("to", 0))
	outs := ctx.Outputs(n, to)
	for _, o := range outs {
		o.DType = to
	}
	_, err = ctx.Network.AddLayer(network.LayerSpec{
		Name:       n.LayerName(),
		Type:       "Cast",
		Inputs:     []*network.Tensor{x},
		Attributes: map[string]any{"to": to.String()},
		Outputs:    outs,
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}
