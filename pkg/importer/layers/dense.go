package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("Gemm", registry.Func(BuildGemm, checkGemm))
	registry.Register("MatMul", registry.Func(BuildMatMul, checkInputs(2)))
}

func checkGemm(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 2); err != nil {
		return err
	}
	if n.IntOr("transA", 0) != 0 {
		return errors.New("Gemm: transA is not supported")
	}
	if g.Constant(n.Input(1)) == nil && n.Input(2) != "" {
		return errors.New("Gemm: a bias needs a constant B")
	}
	return requireConst(g, n, 2, "bias")
}

// BuildGemm imports Y = alpha*A*B + beta*C. A constant B becomes a Dense
// layer with B as kernel and C as bias.
func BuildGemm(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	if err := checkGemm(ctx.Graph, n); err != nil {
		return nil, err
	}
	a, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{
		"alpha":       n.FloatOr("alpha", 1),
		"beta":        n.FloatOr("beta", 1),
		"transpose_b": n.IntOr("transB", 0) != 0,
	}

	kernel := weightsAt(inputs, 1)
	if kernel == nil {
		b, err := tensorAt(ctx, n, inputs, 1)
		if err != nil {
			return nil, err
		}
		return addLayer(ctx, n, "MatMul", []*network.Tensor{a, b}, nil, attrs)
	}

	weights := []network.WeightBinding{{Role: network.RoleKernel, Weights: kernel}}
	if bias := weightsAt(inputs, 2); bias != nil {
		weights = append(weights, network.WeightBinding{Role: network.RoleBias, Weights: bias})
	}
	return addLayer(ctx, n, "Dense", []*network.Tensor{a}, weights, attrs)
}

// BuildMatMul imports MatMul; a constant right operand becomes a Dense
// kernel.
func BuildMatMul(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	a, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	if kernel := weightsAt(inputs, 1); kernel != nil {
		weights := []network.WeightBinding{{Role: network.RoleKernel, Weights: kernel}}
		return addLayer(ctx, n, "Dense", []*network.Tensor{a}, weights, nil)
	}
	b, err := tensorAt(ctx, n, inputs, 1)
	if err != nil {
		return nil, err
	}
	return addLayer(ctx, n, "MatMul", []*network.Tensor{a, b}, nil, nil)
}
