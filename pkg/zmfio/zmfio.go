// Package zmfio reads, writes and describes ZMF model files.
package zmfio

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
)

// Load reads and deserializes a ZMF model from a file.
func Load(file string) (*zmf.Model, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ZMF file")
	}

	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, errors.Wrapf(err, "failed to decode ZMF file %s", file)
	}
	return model, nil
}

// Save serializes model to file.
func Save(model *zmf.Model, file string) error {
	data, err := proto.Marshal(model)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ZMF model")
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write ZMF file %s", file)
	}
	return nil
}

// Pretty renders model as indented JSON. Parameter data is base64 encoded.
func Pretty(model *zmf.Model) ([]byte, error) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(model)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render ZMF model")
	}
	return out, nil
}

// Summarize writes a human-readable summary of model to w.
func Summarize(w io.Writer, model *zmf.Model) {
	fmt.Fprintf(w, "Producer: %s %s\n", model.GetMetadata().GetProducerName(), model.GetMetadata().GetProducerVersion())
	fmt.Fprintf(w, "Opset version: %d\n", model.GetMetadata().GetOpsetVersion())
	fmt.Fprintf(w, "Graph has %d nodes.\n", len(model.GetGraph().GetNodes()))
	fmt.Fprintf(w, "Graph has %d parameters.\n", len(model.GetGraph().GetParameters()))

	fmt.Fprintln(w, "\nNodes:")
	for _, node := range model.GetGraph().GetNodes() {
		fmt.Fprintf(w, "- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		fmt.Fprintf(w, "  Inputs: %v\n", node.GetInputs())
		fmt.Fprintf(w, "  Outputs: %v\n", node.GetOutputs())
		attrs := node.GetAttributes()
		if len(attrs) == 0 {
			continue
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  Attributes:")
		for _, name := range names {
			fmt.Fprintf(w, "    - %s: %s\n", name, attrString(attrs[name]))
		}
	}
}

func attrString(a *zmf.Attribute) string {
	switch v := a.GetValue().(type) {
	case *zmf.Attribute_F:
		return fmt.Sprint(v.F)
	case *zmf.Attribute_I:
		return fmt.Sprint(v.I)
	case *zmf.Attribute_S:
		return fmt.Sprintf("%q", v.S)
	case *zmf.Attribute_Ints:
		return fmt.Sprint(v.Ints.GetVal())
	case *zmf.Attribute_Floats:
		return fmt.Sprint(v.Floats.GetVal())
	case *zmf.Attribute_Strings:
		return fmt.Sprint(v.Strings.GetVal())
	}
	return fmt.Sprint(a.GetValue())
}

// ParamStat describes one parameter of a model. Min, Max and Mean are only
// set for float parameters.
type ParamStat struct {
	Name     string         `yaml:"name"`
	DType    graph.DataType `yaml:"-"`
	Type     string         `yaml:"dtype"`
	Shape    []int64        `yaml:"shape,flow"`
	Elements int64          `yaml:"elements"`
	Bytes    int            `yaml:"bytes"`
	Min      float64        `yaml:"min,omitempty"`
	Max      float64        `yaml:"max,omitempty"`
	Mean     float64        `yaml:"mean,omitempty"`
}

// ParamStats returns statistics for every parameter of model, sorted by name.
func ParamStats(model *zmf.Model) ([]ParamStat, error) {
	params := model.GetGraph().GetParameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]ParamStat, 0, len(names))
	for _, name := range names {
		p := params[name]
		dtype, err := network.DataTypeOf(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %s", name)
		}
		c := &graph.Constant{DType: dtype, Dims: p.GetShape(), Data: p.GetData()}
		s := ParamStat{
			Name:     name,
			DType:    dtype,
			Type:     dtype.String(),
			Shape:    p.GetShape(),
			Elements: c.NumElements(),
			Bytes:    len(p.GetData()),
		}
		if dtype.IsFloat() {
			vals, err := c.Float32s()
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter %s", name)
			}
			s.Min, s.Max, s.Mean = summarize(vals)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func summarize(vals []float32) (lo, hi, mean float64) {
	if len(vals) == 0 {
		return 0, 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range vals {
		f := float64(v)
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
		sum += f
	}
	return lo, hi, sum / float64(len(vals))
}
