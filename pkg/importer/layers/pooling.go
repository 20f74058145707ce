package layers

import (
	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

var poolModes = map[string]struct {
	mode   string
	global bool
}{
	"MaxPool":           {"max", false},
	"AveragePool":       {"average", false},
	"GlobalMaxPool":     {"max", true},
	"GlobalAveragePool": {"average", true},
}

func init() {
	for op := range poolModes {
		registry.Register(op, registry.Func(BuildPooling, checkPooling))
	}
}

func checkPooling(_ *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 1); err != nil {
		return err
	}
	if poolModes[n.OpType].global {
		return nil
	}
	if _, ok := n.Ints("kernel_shape"); !ok {
		return errors.Errorf("%s: kernel_shape is required", n.OpType)
	}
	if n.OpType == "MaxPool" && len(n.Outputs) > 1 && n.Outputs[1] != "" {
		return errors.New("MaxPool: the indices output is not supported")
	}
	return nil
}

// BuildPooling imports max and average pooling, windowed or global.
func BuildPooling(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	if err := checkPooling(ctx.Graph, n); err != nil {
		return nil, err
	}
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}
	pm := poolModes[n.OpType]
	attrs := map[string]any{
		"mode":   pm.mode,
		"global": pm.global,
	}
	if !pm.global {
		for _, name := range []string{"kernel_shape", "strides", "pads", "dilations"} {
			if v, ok := n.Ints(name); ok {
				attrs[name] = v
			}
		}
		attrs["ceil_mode"] = n.IntOr("ceil_mode", 0)
		attrs["auto_pad"] = n.StringOr("auto_pad", "NOTSET")
		if pm.mode == "average" {
			attrs["count_include_pad"] = n.IntOr("count_include_pad", 0)
		}
	}
	return addLayer(ctx, n, "Pooling", []*network.Tensor{x}, nil, attrs)
}
