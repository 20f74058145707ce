package layers

import (
	"strings"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

var (
	binaryOps = []string{"Add", "Sub", "Mul", "Div", "Pow", "Max", "Min"}
	unaryOps  = []string{"Abs", "Neg", "Sqrt", "Exp", "Log", "Reciprocal", "Floor", "Ceil", "Erf"}
)

func init() {
	for _, op := range binaryOps {
		registry.Register(op, registry.Func(BuildElementWise, checkInputs(2)))
	}
	for _, op := range unaryOps {
		registry.Register(op, registry.Func(BuildUnary, checkInputs(1)))
	}
}

// BuildElementWise imports a broadcasting binary operator. Max and Min accept
// more than two operands.
func BuildElementWise(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	operands, err := tensorsAll(ctx, n, inputs)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{"operation": strings.ToLower(n.OpType)}
	return addLayer(ctx, n, "ElementWise", operands, nil, attrs)
}

// BuildUnary imports a pointwise math function.
func BuildUnary(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{"operation": strings.ToLower(n.OpType)}
	return addLayer(ctx, n, "Unary", []*network.Tensor{x}, nil, attrs)
}
