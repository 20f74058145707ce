package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Flatten", registry.Func(BuildFlatten, checkInputs(1)))
	registry.Register("Squeeze", registry.Func(BuildSqueeze, checkAxesInput))
	registry.Register("Unsqueeze", registry.Func(BuildSqueeze, checkUnsqueeze))
	registry.Register("Concat", registry.Func(BuildConcat, checkConcat))
}

func checkAxesInput(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	return requireConst(g, n, 1, "axes")
}

func checkUnsqueeze(g *graph.Graph, n *graph.Node) error {
	if err := checkAxesInput(g, n); err != nil {
		return err
	}
	if _, ok := n.Ints("axes"); !ok && n.Input(1) == "" {
		return errors.New("Unsqueeze: axes are required")
	}
	return nil
}

func checkConcat(_ *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	if _, ok := n.Attr("axis"); !ok {
		return errors.New("Concat: axis is required")
	}
	return nil
}

// BuildFlatten imports Flatten as a Reshape to two dimensions split at axis.
func BuildFlatten(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	return addLayer(ctx, n, "Flatten", []*network.Tensor{x}, nil, map[string]any{"axis": n.IntOr("axis", 1)})
}

// BuildSqueeze imports Squeeze and Unsqueeze. Axes come from the attribute
// (before opset 13) or a constant input.
func BuildSqueeze(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	axes, ok := n.Ints("axes")
	if !ok {
		axes, ok, err = intsAt(n, inputs, 1)
		if err != nil {
			return nil, err
		}
	}
	if !ok && n.OpType == "Unsqueeze" {
		return nil, errors.New("Unsqueeze: axes are required")
	}
	attrs := map[string]any{}
	if ok {
		attrs["axes"] = axes
	}
	return addLayer(ctx, n, n.OpType, []*network.Tensor{x}, nil, attrs)
}

// BuildConcat imports Concat; constant operands become Constant layers.
func BuildConcat(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	operands, err := tensorsAll(ctx, n, inputs)
	if err != nil {
		return nil, err
	}
	return addLayer(ctx, n, "Concat", operands, nil, map[string]any{"axis": n.IntOr("axis", 0)})
}
