// Package converter imports a validated graph into a network, one node at a
// time in topological order, and records the refit map of the result.
package converter

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/x448/float16"

	"github.com/zerfoo/zparse/pkg/diag"
	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/refit"
	"github.com/zerfoo/zparse/pkg/registry"
)

// WeightDescriptor supplies the value of a named model constant, shadowing
// the initializer of the same name. The caller keeps ownership of Data; it is
// never modified.
type WeightDescriptor struct {
	Name  string
	DType graph.DataType
	Shape []int64
	Data  []byte
}

// Precision is the element type float weights are stored in.
type Precision int

const (
	PrecisionFP32 Precision = iota
	PrecisionFP16
)

func (p Precision) String() string {
	if p == PrecisionFP16 {
		return "fp16"
	}
	return "fp32"
}

// ParsePrecision accepts fp32/float32 and fp16/float16.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float32":
		return PrecisionFP32, nil
	case "fp16", "float16":
		return PrecisionFP16, nil
	}
	return PrecisionFP32, errors.Errorf("unknown weight precision %q", s)
}

// Options configures Convert.
type Options struct {
	// Registry defaults to registry.Default.
	Registry  *registry.Registry
	Overrides []WeightDescriptor
	Precision Precision
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

type converter struct {
	g       *graph.Graph
	net     network.Network
	reg     *registry.Registry
	log     logrus.FieldLogger
	prec    Precision
	refits  *refit.Map
	over    map[string]*WeightDescriptor
	weights map[string]*network.Weights
	sources map[*network.Weights]string
	tensors map[string]*network.Tensor
	ctx     *registry.Context
}

// Convert imports every node of g into net and returns the refit map. It
// stops at the first failure; the error is a *diag.ParserError carrying the
// index of the failing node. Layers added before the failure stay in net.
func Convert(g *graph.Graph, net network.Network, opts Options) (*refit.Map, error) {
	c := &converter{
		g:       g,
		net:     net,
		reg:     opts.Registry,
		log:     opts.Logger,
		prec:    opts.Precision,
		refits:  refit.NewMap(),
		over:    make(map[string]*WeightDescriptor),
		weights: make(map[string]*network.Weights),
		sources: make(map[*network.Weights]string),
		tensors: make(map[string]*network.Tensor),
	}
	if c.reg == nil {
		c.reg = registry.Default
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.ctx = &registry.Context{Network: net, Graph: g, Logger: c.log, Weights: c.constant}

	if err := c.loadOverrides(opts.Overrides); err != nil {
		return nil, err
	}
	for _, init := range g.Initializers() {
		if _, ok := c.over[init.Name]; !ok && init.Value.Stripped {
			return nil, diag.Errorf(diag.InvalidValue, "initializer %q has no data and no weight descriptor supplies it", init.Name)
		}
	}
	if err := c.declareInputs(); err != nil {
		return nil, err
	}
	for _, n := range g.Nodes {
		if err := c.importNode(n); err != nil {
			return nil, err
		}
	}
	if err := c.markOutputs(); err != nil {
		return nil, err
	}
	if r, ok := net.(network.SourceRecorder); ok {
		r.RecordSource(g.Name, g.Opset)
	}

	c.log.WithFields(logrus.Fields{
		"nodes":  len(g.Nodes),
		"layers": len(net.Layers()),
		"refit":  c.refits.Len(),
	}).Info("Imported graph")
	return c.refits, nil
}

func (c *converter) loadOverrides(overrides []WeightDescriptor) error {
	used := make(map[string]bool)
	for _, n := range c.g.Nodes {
		for _, in := range n.Inputs {
			used[in] = true
		}
	}
	for _, out := range c.g.Outputs {
		used[out] = true
	}

	for i := range overrides {
		d := &overrides[i]
		if d.Name == "" {
			return diag.Errorf(diag.InvalidValue, "weight descriptor %d has no name", i)
		}
		if _, dup := c.over[d.Name]; dup {
			return diag.Errorf(diag.InvalidValue, "weight %q is supplied twice", d.Name)
		}
		size := d.DType.Size()
		if size == 0 {
			return diag.Errorf(diag.InvalidValue, "weight %q has unsupported type %s", d.Name, d.DType)
		}
		if len(d.Data)%size != 0 {
			return diag.Errorf(diag.InvalidValue, "weight %q: %d bytes is not a whole number of %s elements", d.Name, len(d.Data), d.DType)
		}
		count := int64(len(d.Data) / size)
		if d.Shape != nil {
			if n, ok := graph.Shape(d.Shape).NumElements(); !ok || n != count {
				return diag.Errorf(diag.InvalidValue, "weight %q: shape %v does not match %d elements", d.Name, d.Shape, count)
			}
		}
		if init := c.g.Initializer(d.Name); init != nil && init.NumElements() != count {
			return diag.Errorf(diag.InvalidValue, "weight %q: %d elements, the model constant has %d", d.Name, count, init.NumElements())
		}
		if !used[d.Name] {
			c.log.WithField("weight", d.Name).Warn("Weight descriptor does not match any tensor of the model")
		}
		c.over[d.Name] = d
	}
	return nil
}

func (c *converter) declareInputs() error {
	for _, in := range c.g.Inputs {
		if _, ok := c.over[in.Name]; ok {
			continue
		}
		t, err := c.net.AddInput(in.Name, in.DType, in.Shape)
		if err != nil {
			return diag.From(errors.WithMessagef(err, "input %s", in.Name), diag.InternalError, diag.NoNode)
		}
		c.tensors[in.Name] = t
	}
	return nil
}

// constant returns the shared weights for a model constant, or nil when name
// is not one. Weight descriptors shadow initializers and Constant node
// outputs.
func (c *converter) constant(name string) (*network.Weights, error) {
	if w, ok := c.weights[name]; ok {
		return w, nil
	}
	var w *network.Weights
	if d, ok := c.over[name]; ok {
		shape := d.Shape
		if shape == nil {
			if init := c.g.Initializer(name); init != nil {
				shape = init.Dims
			} else {
				shape = []int64{int64(len(d.Data) / d.DType.Size())}
			}
		}
		w = &network.Weights{Name: name, DType: d.DType, Shape: shape, Data: d.Data}
	} else if init := c.g.Initializer(name); init != nil {
		if init.DType == graph.String {
			return nil, diag.Errorf(diag.UnsupportedNode, "constant %q holds strings", name)
		}
		w = &network.Weights{Name: name, DType: init.DType, Shape: init.Dims, Data: init.Data}
	} else if c.g.FromConstantNode(name) {
		v := c.g.Constant(name)
		w = &network.Weights{Name: name, DType: v.DType, Shape: v.Dims, Data: v.Data}
	} else {
		return nil, nil
	}

	if c.prec == PrecisionFP16 && w.DType == graph.Float {
		half, err := toFloat16(w)
		if err != nil {
			return nil, err
		}
		w = half
	}
	c.weights[name] = w
	c.sources[w] = name
	return w, nil
}

func toFloat16(w *network.Weights) (*network.Weights, error) {
	vals, err := (&graph.Constant{DType: w.DType, Dims: w.Shape, Data: w.Data}).Float32s()
	if err != nil {
		return nil, diag.From(errors.WithMessagef(err, "weight %s", w.Name), diag.InvalidValue, diag.NoNode)
	}
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return &network.Weights{Name: w.Name, DType: graph.Float16, Shape: w.Shape, Data: data}, nil
}

func (c *converter) resolve(n *graph.Node) ([]registry.Input, error) {
	inputs := make([]registry.Input, len(n.Inputs))
	for i, name := range n.Inputs {
		if name == "" {
			continue
		}
		t, produced := c.tensors[name]
		if produced && !c.g.FromConstantNode(name) {
			inputs[i].Tensor = t
			continue
		}
		w, err := c.constant(name)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, diag.Errorf(diag.InvalidNode, "input %q of node %s is not available", name, n.LayerName())
		}
		inputs[i].Tensor = t
		inputs[i].Weights = w
	}
	return inputs, nil
}

func (c *converter) importNode(n *graph.Node) error {
	log := c.log.WithFields(logrus.Fields{"node": n.LayerName(), "op": n.OpType})

	imp, ok := c.reg.Get(n.Domain, n.OpType)
	if !ok {
		return diag.Errorf(diag.UnsupportedNode, "no importer registered for %s", n.OpType).AtNode(n.Index)
	}
	inputs, err := c.resolve(n)
	if err != nil {
		return diag.From(err, diag.InvalidNode, n.Index)
	}

	before := len(c.net.Layers())
	c.ctx.Logger = log
	outs, err := imp.Import(c.ctx, n, inputs)
	if err != nil {
		return diag.From(errors.WithMessagef(err, "%s (%s)", n.LayerName(), n.OpType), diag.UnsupportedNode, n.Index)
	}

	names := make([]string, 0, len(n.Outputs))
	for _, name := range n.Outputs {
		if name != "" {
			names = append(names, name)
		}
	}
	if len(outs) != len(names) {
		return diag.Errorf(diag.InternalError, "%s (%s): importer returned %d outputs, node has %d",
			n.LayerName(), n.OpType, len(outs), len(names)).AtNode(n.Index)
	}
	for i, name := range names {
		c.tensors[name] = outs[i]
	}

	for _, l := range c.net.Layers()[before:] {
		c.recordLayer(l)
	}
	log.WithField("layers", len(c.net.Layers())-before).Debug("Imported node")
	return nil
}

// recordLayer adds a refit entry for every model constant l binds, directly
// or through weights derived from it.
func (c *converter) recordLayer(l *network.Layer) {
	for _, b := range l.Weights {
		if src, ok := c.sources[b.Weights]; ok {
			c.refits.Record(src, l.Name, b.Role)
			continue
		}
		for _, from := range b.Weights.From {
			if src, ok := c.sources[from]; ok {
				c.refits.Record(src, l.Name, b.Role)
			}
		}
	}
}

func (c *converter) markOutputs() error {
	for _, name := range c.g.Outputs {
		t, ok := c.tensors[name]
		if !ok {
			w, err := c.constant(name)
			if err != nil {
				return diag.From(err, diag.InvalidGraph, diag.NoNode)
			}
			if w == nil {
				return diag.Errorf(diag.InvalidGraph, "graph output %q was not produced", name)
			}
			t = &network.Tensor{Name: name, DType: w.DType, Shape: graph.Shape(w.Shape)}
			l, err := c.net.AddLayer(network.LayerSpec{
				Name:    name,
				Type:    "Constant",
				Weights: []network.WeightBinding{{Role: network.RoleConstant, Weights: w}},
				Outputs: []*network.Tensor{t},
			})
			if err != nil {
				return diag.From(errors.WithMessagef(err, "output %s", name), diag.InternalError, diag.NoNode)
			}
			c.recordLayer(l)
			c.tensors[name] = t
		}
		if err := c.net.MarkOutput(t); err != nil {
			return diag.From(errors.WithMessagef(err, "output %s", name), diag.InternalError, diag.NoNode)
		}
	}
	return nil
}
