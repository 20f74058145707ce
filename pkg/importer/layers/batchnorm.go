package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/registry"
)

func init() {
	registry.Register("BatchNormalization", registry.Func(BuildBatchNorm, checkBatchNorm))
}

var bnParams = []string{"scale", "bias", "mean", "var"}

func checkBatchNorm(g *graph.Graph, n *graph.Node) error {
	if err := requireInputs(n, 5); err != nil {
		return err
	}
	for i, what := range bnParams {
		if err := requireConst(g, n, i+1, what); err != nil {
			return err
		}
	}
	for i, out := range n.Outputs {
		if i > 0 && out != "" {
			return errors.New("BatchNormalization: training outputs are not supported")
		}
	}
	return nil
}

// BuildBatchNorm folds inference batch normalization into a Scale layer:
// y = x*s + t with s = scale/sqrt(var+epsilon) and t = bias - mean*s.
func BuildBatchNorm(ctx *registry.Context, n *graph.Node, inputs []registry.Input) ([]*network.Tensor, error) {
	x, err := tensorAt(ctx, n, inputs, 0)
	if err != nil {
		return nil, err
	}

	params := make([][]float32, len(bnParams))
	sources := make([]*network.Weights, len(bnParams))
	for i, what := range bnParams {
		w := weightsAt(inputs, i+1)
		if w == nil {
			return nil, errors.Errorf("BatchNormalization: %s must be a constant", what)
		}
		vals, err := (&graph.Constant{DType: w.DType, Dims: w.Shape, Data: w.Data}).Float32s()
		if err != nil {
			return nil, errors.WithMessagef(err, "BatchNormalization %s", what)
		}
		if i > 0 && len(vals) != len(params[0]) {
			return nil, errors.Errorf("BatchNormalization: %s has %d channels, scale has %d", what, len(vals), len(params[0]))
		}
		params[i] = vals
		sources[i] = w
	}

	eps := float64(n.FloatOr("epsilon", 1e-5))
	channels := len(params[0])
	scale := make([]float32, channels)
	shift := make([]float32, channels)
	for c := 0; c < channels; c++ {
		s := float64(params[0][c]) / math.Sqrt(float64(params[3][c])+eps)
		scale[c] = float32(s)
		shift[c] = float32(float64(params[1][c]) - float64(params[2][c])*s)
	}

	name := n.LayerName()
	dims := []int64{int64(channels)}
	scaleW := floatWeights(name+".scale", dims, scale)
	scaleW.From = []*network.Weights{sources[0], sources[3]}
	shiftW := floatWeights(name+".shift", dims, shift)
	shiftW.From = []*network.Weights{sources[1], sources[2]}
	weights := []network.WeightBinding{
		{Role: network.RoleScale, Weights: scaleW},
		{Role: network.RoleShift, Weights: shiftW},
	}
	return addLayer(ctx, n, "Scale", []*network.Tensor{x}, weights, map[string]any{"mode": "channel"})
}

func floatWeights(name string, dims []int64, vals []float32) *network.Weights {
	c := graph.FloatConstant(dims, vals...)
	return &network.Weights{Name: name, DType: graph.Float, Shape: dims, Data: c.Data}
}
