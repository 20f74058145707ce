package layers

import (
	"strings"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

// activationDefaults lists each activation with the attributes it carries
// and their ONNX defaults.
var activationDefaults = map[string]map[string]float32{
	"Relu":        nil,
	"Sigmoid":     nil,
	"Tanh":        nil,
	"Softplus":    nil,
	"LeakyRelu":   {"alpha": 0.01},
	"Elu":         {"alpha": 1.0},
	"Selu":        {"alpha": 1.67326319217681884765625, "gamma": 1.05070102214813232421875},
	"HardSigmoid": {"alpha": 0.2, "beta": 0.5},
}

func init() {
	for op := range activationDefaults {
		registry.Register(op, registry.Func(BuildActivation, checkInputs(1)))
	}
	registry.Register("Softmax", registry.Func(BuildSoftmax, checkInputs(1)))
	registry.Register("LogSoftmax", registry.Func(BuildSoftmax, checkInputs(1)))
}

// BuildActivation imports a pointwise activation as an Activation layer whose
// function attribute names it.
func BuildActivation(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{"function": strings.ToLower(n.OpType)}
	for name, def := range activationDefaults[n.OpType] {
		attrs[name] = n.FloatOr(name, def)
	}
	return addLayer(ctx, n, "Activation", []*network.Tensor{x}, nil, attrs)
}

// BuildSoftmax imports Softmax and LogSoftmax. The default axis changed from
// 1 to -1 in opset 13.
func BuildSoftmax(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	def := int64(-1)
	if ctx.Graph.Opset > 0 && ctx.Graph.Opset < 13 {
		def = 1
	}
	attrs := map[string]any{
		"axis": n.IntOr("axis", def),
		"log":  n.OpType == "LogSoftmax",
	}
	return addLayer(ctx, n, "Softmax", []*network.Tensor{x}, nil, attrs)
}
