package network

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zparse/pkg/graph"
)

// RolesAttr is the node attribute listing the roles of a layer's weight
// inputs. Weight inputs follow the tensor inputs and are listed in the same
// order as the roles.
const RolesAttr = "weight_roles"

// ZMF builds a *zmf.Model. Weights become graph parameters keyed by weight
// name; a weights value shared by several layers is stored once.
type ZMF struct {
	model   *zmf.Model
	layers  []*Layer
	tensors map[string]*Tensor
	params  map[string]*Weights
	used    map[string]int
	err     error
}

// ZMFOption configures NewZMF.
type ZMFOption func(*ZMF)

// WithProducer sets the producer recorded in the model metadata.
func WithProducer(name, version string) ZMFOption {
	return func(n *ZMF) {
		n.model.Metadata.ProducerName = name
		n.model.Metadata.ProducerVersion = version
	}
}

// NewZMF returns an empty ZMF network.
func NewZMF(opts ...ZMFOption) *ZMF {
	n := &ZMF{
		model: &zmf.Model{
			Graph: &zmf.Graph{
				Parameters: make(map[string]*zmf.Tensor),
			},
			Metadata: &zmf.Metadata{
				ProducerName:    "zparse",
				ProducerVersion: "0.1.0",
			},
		},
		tensors: make(map[string]*Tensor),
		params:  make(map[string]*Weights),
		used:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Model returns the model built so far.
func (n *ZMF) Model() *zmf.Model { return n.model }

// Err returns the first error any method returned.
func (n *ZMF) Err() error { return n.err }

func (n *ZMF) setErr(err error) error {
	if n.err == nil {
		n.err = err
	}
	return err
}

// RecordSource stores the opset the network was imported from.
func (n *ZMF) RecordSource(_ string, opset int64) {
	n.model.Metadata.OpsetVersion = opset
}

// genName returns name if it is unused, or name_N for the first free N.
func (n *ZMF) genName(name string) string {
	k := n.used[name]
	n.used[name] = k + 1
	if k == 0 {
		return name
	}
	for {
		candidate := fmt.Sprintf("%s_%d", name, k)
		if n.used[candidate] == 0 {
			n.used[candidate] = 1
			return candidate
		}
		k++
		n.used[name] = k + 1
	}
}

func (n *ZMF) AddInput(name string, dtype graph.DataType, shape graph.Shape) (*Tensor, error) {
	if name == "" {
		return nil, n.setErr(errors.New("network input needs a name"))
	}
	if _, ok := n.tensors[name]; ok {
		return nil, n.setErr(errors.Errorf("tensor %q already defined", name))
	}
	t := &Tensor{Name: name, DType: dtype, Shape: shape}
	n.tensors[name] = t
	n.model.Graph.Inputs = append(n.model.Graph.Inputs, &zmf.ValueInfo{Name: name, Shape: zmfShape(shape)})
	return t, nil
}

func (n *ZMF) AddLayer(spec LayerSpec) (*Layer, error) {
	if spec.Type == "" {
		return nil, n.setErr(errors.New("layer needs a type"))
	}
	for _, in := range spec.Inputs {
		if in == nil {
			continue
		}
		if n.tensors[in.Name] != in {
			return nil, n.setErr(errors.Errorf("layer %s: input %q does not belong to this network", spec.Name, in.Name))
		}
	}
	for _, out := range spec.Outputs {
		if out == nil || out.Name == "" {
			return nil, n.setErr(errors.Errorf("layer %s: output without a name", spec.Name))
		}
		if _, ok := n.tensors[out.Name]; ok {
			return nil, n.setErr(errors.Errorf("layer %s: tensor %q already defined", spec.Name, out.Name))
		}
	}
	for _, b := range spec.Weights {
		if b.Weights == nil || b.Weights.Name == "" {
			return nil, n.setErr(errors.Errorf("layer %s: unnamed weights", spec.Name))
		}
		if prev, ok := n.params[b.Weights.Name]; ok && prev != b.Weights {
			return nil, n.setErr(errors.Errorf("layer %s: weights %q conflict with an existing parameter", spec.Name, b.Weights.Name))
		}
	}

	attrs, err := zmfAttributes(spec.Attributes)
	if err != nil {
		return nil, n.setErr(errors.WithMessagef(err, "layer %s", spec.Name))
	}

	base := spec.Name
	if base == "" {
		base = spec.Type
	}
	layer := &Layer{
		Name:    n.genName(base),
		Type:    spec.Type,
		Inputs:  spec.Inputs,
		Weights: spec.Weights,
		Outputs: spec.Outputs,
	}

	node := &zmf.Node{
		Name:       layer.Name,
		OpType:     spec.Type,
		Attributes: attrs,
	}
	for _, in := range spec.Inputs {
		name := ""
		if in != nil {
			name = in.Name
		}
		node.Inputs = append(node.Inputs, name)
	}
	if len(spec.Weights) > 0 {
		roles := make([]string, len(spec.Weights))
		for i, b := range spec.Weights {
			if _, ok := n.params[b.Weights.Name]; !ok {
				p, err := zmfTensor(b.Weights)
				if err != nil {
					return nil, n.setErr(errors.WithMessagef(err, "layer %s", layer.Name))
				}
				n.params[b.Weights.Name] = b.Weights
				n.model.Graph.Parameters[b.Weights.Name] = p
			}
			node.Inputs = append(node.Inputs, b.Weights.Name)
			roles[i] = b.Role.String()
		}
		node.Attributes[RolesAttr] = &zmf.Attribute{
			Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: roles}},
		}
	}
	for _, out := range spec.Outputs {
		n.tensors[out.Name] = out
		node.Outputs = append(node.Outputs, out.Name)
	}

	n.model.Graph.Nodes = append(n.model.Graph.Nodes, node)
	n.layers = append(n.layers, layer)
	return layer, nil
}

func (n *ZMF) MarkOutput(t *Tensor) error {
	if t == nil || n.tensors[t.Name] != t {
		name := ""
		if t != nil {
			name = t.Name
		}
		return n.setErr(errors.Errorf("output %q does not belong to this network", name))
	}
	n.model.Graph.Outputs = append(n.model.Graph.Outputs, &zmf.ValueInfo{Name: t.Name, Shape: zmfShape(t.Shape)})
	return nil
}

func (n *ZMF) Layers() []*Layer { return n.layers }

func zmfShape(s graph.Shape) []int64 {
	out := make([]int64, len(s))
	copy(out, s)
	return out
}

func zmfTensor(w *Weights) (*zmf.Tensor, error) {
	t := &zmf.Tensor{Shape: w.Shape, Data: w.Data}
	switch w.DType {
	case graph.Float:
		t.Dtype = zmf.Tensor_FLOAT32
	case graph.Float16:
		t.Dtype = zmf.Tensor_FLOAT16
	case graph.BFloat16:
		t.Dtype = zmf.Tensor_BFLOAT16
	case graph.Int32:
		t.Dtype = zmf.Tensor_INT32
	case graph.Int64:
		t.Dtype = zmf.Tensor_INT64
	case graph.Double:
		t.Dtype = zmf.Tensor_FLOAT64
	default:
		return nil, errors.Errorf("weights %q: %s parameters are not supported", w.Name, w.DType)
	}
	return t, nil
}

// DataTypeOf maps a ZMF parameter type back to a graph data type.
func DataTypeOf(t *zmf.Tensor) (graph.DataType, error) {
	switch t.GetDtype() {
	case zmf.Tensor_FLOAT32:
		return graph.Float, nil
	case zmf.Tensor_FLOAT16:
		return graph.Float16, nil
	case zmf.Tensor_BFLOAT16:
		return graph.BFloat16, nil
	case zmf.Tensor_INT32:
		return graph.Int32, nil
	case zmf.Tensor_INT64:
		return graph.Int64, nil
	case zmf.Tensor_FLOAT64:
		return graph.Double, nil
	}
	return graph.Undefined, errors.Errorf("unsupported parameter type %v", t.GetDtype())
}

func zmfAttributes(attrs map[string]any) (map[string]*zmf.Attribute, error) {
	out := make(map[string]*zmf.Attribute, len(attrs))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := &zmf.Attribute{}
		switch v := attrs[k].(type) {
		case float32:
			a.Value = &zmf.Attribute_F{F: v}
		case float64:
			a.Value = &zmf.Attribute_F{F: float32(v)}
		case int:
			a.Value = &zmf.Attribute_I{I: int64(v)}
		case int64:
			a.Value = &zmf.Attribute_I{I: v}
		case bool:
			var i int64
			if v {
				i = 1
			}
			a.Value = &zmf.Attribute_I{I: i}
		case string:
			a.Value = &zmf.Attribute_S{S: v}
		case []int64:
			a.Value = &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: v}}
		case []int:
			ints := make([]int64, len(v))
			for i, x := range v {
				ints[i] = int64(x)
			}
			a.Value = &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: ints}}
		case []float32:
			a.Value = &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: v}}
		case []string:
			a.Value = &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: v}}
		default:
			return nil, errors.Errorf("attribute %q has unsupported type %T", k, v)
		}
		out[k] = a
	}
	return out, nil
}
