package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Conv", registry.Func(BuildConv, checkConv))
}

func checkConv(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 2); err != nil {
		return err
	}
	if err := requireConst(g, n, 1, "kernel"); err != nil {
		return err
	}
	if err := requireConst(g, n, 2, "bias"); err != nil {
		return err
	}
	if k := g.Constant(n.Input(1)); len(k.Dims) != 4 {
		return errors.Errorf("Conv: only 2D convolutions are supported, kernel has rank %d", len(k.Dims))
	}
	if pad := n.StringOr("auto_pad", "NOTSET"); pad != "NOTSET" && pad != "VALID" && pad != "SAME_UPPER" && pad != "SAME_LOWER" {
		return errors.Errorf("Conv: unknown auto_pad %q", pad)
	}
	return nil
}

// BuildConv imports a 2D convolution with a constant kernel as a Conv2D
// layer.
func BuildConv(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	kernel := weightsAt(inputs, 1)
	if kernel == nil || len(kernel.Shape) != 4 {
		return nil, errors.New("Conv: kernel must be a rank-4 constant")
	}

	attrs := map[string]any{
		"group":    n.IntOr("group", 1),
		"auto_pad": n.StringOr("auto_pad", "NOTSET"),
		"filters":  kernel.Shape[0],
	}
	kernelShape, ok := n.Ints("kernel_shape")
	if !ok {
		kernelShape = kernel.Shape[2:]
	}
	attrs["kernel_shape"] = kernelShape
	for _, name := range []string{"strides", "dilations", "pads"} {
		if v, ok := n.Ints(name); ok {
			attrs[name] = v
		}
	}

	weights := []network.WeightBinding{{Role: network.RoleKernel, Weights: kernel}}
	if bias := weightsAt(inputs, 2); bias != nil {
		weights = append(weights, network.WeightBinding{Role: network.RoleBias, Weights: bias})
	}
	return addLayer(ctx, n, "Conv2D", []*network.Tensor{x}, weights, attrs)
}
