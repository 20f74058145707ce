package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Reshape", registry.Func(BuildReshape, checkReshape))
}

func checkReshape(g *graph.Graph, n *graph.Node) error {
	if len(n.Inputs) != 2 || n.Input(1) == "" {
		return errors.Errorf("ONNX Reshape node %s must have 2 inputs (data, shape)", n.LayerName())
	}
	shape := g.Constant(n.Input(1))
	if shape == nil {
		return errors.Errorf("shape tensor '%s' of Reshape node %s is not a constant", n.Input(1), n.LayerName())
	}
	if shape.DType != graph.Int64 {
		return errors.Errorf("shape tensor %s must be of type INT64", n.Input(1))
	}
	return nil
}

// BuildReshape imports Reshape with a constant target shape. A 0 copies the
// input dimension unless allowzero is set, and at most one -1 is inferred.
func BuildReshape(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	targetShape, ok, err := intsAt(n, inputs, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("ONNX Reshape node %s must have 2 inputs (data, shape)", n.LayerName())
	}
	inferred := 0
	for _, d := range targetShape {
		if d == -1 {
			inferred++
		} else if d < -1 {
			return nil, errors.Errorf("Reshape node %s: invalid dimension %d", n.LayerName(), d)
		}
	}
	if inferred > 1 {
		return nil, errors.Errorf("Reshape node %s: more than one dimension is inferred", n.LayerName())
	}
	attrs := map[string]any{
		"shape":     targetShape,
		"allowzero": n.IntOr("allowzero", 0),
	}
	return addLayer(ctx, n, "Reshape", []*network.Tensor{x}, nil, attrs)
}
