package layers

import (
	"strings"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

var reduceOps = []string{"ReduceSum", "ReduceMean", "ReduceMax", "ReduceMin"}

func init() {
	for _, op := range reduceOps {
		registry.Register(op, registry.Func(BuildReduce, checkReduce))
	}
}

func checkReduce(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	return requireConst(g, n, 1, "axes")
}

// BuildReduce imports a reduction. Axes come from the axes attribute (older
// opsets) or from a constant second input; none means every axis.
func BuildReduce(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
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
	attrs := map[string]any{
		"operation": strings.ToLower(strings.TrimPrefix(n.OpType, "Reduce")),
		"keepdims":  n.IntOr("keepdims", 1) != 0,
	}
	if ok && len(axes) > 0 {
		attrs["axes"] = axes
	} else if n.IntOr("noop_with_empty_axes", 0) != 0 {
		return addLayer(ctx, n, "Identity", []*network.Tensor{x}, nil, nil)
	}
	return addLayer(ctx, n, "Reduce", []*network.Tensor{x}, nil, attrs)
}
