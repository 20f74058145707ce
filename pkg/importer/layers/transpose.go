package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Transpose", registry.Func(BuildTranspose, checkTranspose))
}

func checkTranspose(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	if _, ok := n.Ints("perm"); ok {
		return nil
	}
	if _, ok := rankOf(g, n.Input(0)); !ok {
		return errors.Errorf("could not find value info for input tensor %s in Transpose node %s", n.Input(0), n.LayerName())
	}
	return nil
}

// BuildTranspose imports Transpose. Without a perm attribute ONNX reverses
// the dimensions, which needs the input rank.
func BuildTranspose(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}

	perm, found := n.Ints("perm")
	if !found {
		rank, ok := rankOf(ctx.Graph, n.Input(0))
		if !ok && x.Shape != nil {
			rank, ok = len(x.Shape), true
		}
		if !ok {
			return nil, errors.Errorf("could not find value info for input tensor %s in Transpose node %s", n.Input(0), n.LayerName())
		}
		// A scalar has a rank of 0, its transpose is itself.
		perm = make([]int64, rank)
		for i := 0; i < rank; i++ {
			perm[i] = int64(rank - 1 - i)
		}
	}

	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || int(p) >= len(perm) || seen[p] {
			return nil, errors.Errorf("transpose node %s has an invalid perm %v", n.LayerName(), perm)
		}
		seen[p] = true
	}
	return addLayer(ctx, n, "Transpose", []*network.Tensor{x}, nil, map[string]any{"perm": perm})
}
