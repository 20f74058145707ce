// Package graph is the decoded, validated form of an ONNX graph: nodes in a
// stable topological order, named tensors with their producers, and model
// constants normalised to little-endian bytes.
package graph

import (
	"container/heap"
	"encoding/binary"
	"math"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/pkg/diag"
)

// Graph is a validated computation graph. It is read-only once built.
type Graph struct {
	Name            string
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Opset           int64

	// Nodes are in topological order; Nodes[i].Index == i.
	Nodes []*Node
	// Inputs are the graph inputs that are not initializers, in declaration
	// order.
	Inputs []*Tensor
	// Outputs are the graph output names, in declaration order.
	Outputs []string

	tensors      map[string]*Tensor
	initializers []*Tensor
	folded       map[string]*Constant
	supplied     map[string]*Constant
}

// Tensor returns the named tensor, or nil.
func (g *Graph) Tensor(name string) *Tensor {
	return g.tensors[name]
}

// Initializer returns the value of the named initializer, or nil.
func (g *Graph) Initializer(name string) *Constant {
	if t := g.tensors[name]; t != nil {
		return t.Value
	}
	return nil
}

// Constant returns the value of a tensor known before the graph runs: a
// supplied weight, an initializer or the output of a Constant node. Stripped
// initializers are returned too, their dims and type being known. It returns
// nil for every other tensor.
func (g *Graph) Constant(name string) *Constant {
	init := g.Initializer(name)
	// A supplied value without dims takes the initializer's.
	if c := g.supplied[name]; c != nil && (c.Dims != nil || init == nil) {
		return c
	}
	if init != nil {
		return init
	}
	return g.folded[name]
}

// FromConstantNode reports whether name is the output of a Constant node
// whose payload could be read.
func (g *Graph) FromConstantNode(name string) bool {
	_, ok := g.folded[name]
	return ok
}

// Initializers returns the initializer tensors in declaration order.
func (g *Graph) Initializers() []*Tensor {
	return g.initializers
}

// Option configures FromModel.
type Option func(*options)

type options struct {
	baseDir  string
	supplied map[string]*Constant
}

// WithBaseDir sets the directory external tensor data is resolved against.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithSupplied declares values provided outside the model, keyed by tensor
// name. They count as constants for Graph.Constant; a supplied graph input is
// no longer listed in Inputs.
func WithSupplied(values map[string]*Constant) Option {
	return func(o *options) { o.supplied = values }
}

// FromModel builds a Graph from a decoded model. Structural problems are
// reported as *diag.ParserError: InvalidGraph for missing graphs, duplicate
// or dangling tensor names and cycles, InvalidValue for malformed constants,
// InvalidNode for nodes without an op type.
func FromModel(m *onnx.ModelProto, opts ...Option) (*Graph, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	og := m.GetGraph()
	if og == nil {
		return nil, diag.Errorf(diag.InvalidGraph, "model graph is nil")
	}

	g := &Graph{
		Name:            og.GetName(),
		IRVersion:       m.GetIrVersion(),
		ProducerName:    m.GetProducerName(),
		ProducerVersion: m.GetProducerVersion(),
		Opset:           m.DefaultOpset(),
		tensors:         make(map[string]*Tensor),
		folded:          make(map[string]*Constant),
		supplied:        o.supplied,
	}

	for _, init := range og.GetInitializer() {
		name := init.GetName()
		if name == "" {
			return nil, diag.Errorf(diag.InvalidGraph, "initializer without a name")
		}
		if _, dup := g.tensors[name]; dup {
			return nil, diag.Errorf(diag.InvalidGraph, "duplicate initializer %q", name)
		}
		c, err := constantFromProto(init, o.baseDir, true)
		if err != nil {
			return nil, err
		}
		t := &Tensor{Name: name, DType: c.DType, Shape: Shape(c.Dims), Value: c, Producer: -1}
		if t.Shape == nil {
			t.Shape = Shape{}
		}
		g.tensors[name] = t
		g.initializers = append(g.initializers, t)
	}

	for _, in := range og.GetInput() {
		name := in.GetName()
		if name == "" {
			return nil, diag.Errorf(diag.InvalidGraph, "graph input without a name")
		}
		if _, ok := g.tensors[name]; ok {
			// Older exporters list initializers as inputs too.
			continue
		}
		t := tensorFromValueInfo(in)
		t.Producer = -1
		g.tensors[name] = t
		if _, ok := o.supplied[name]; !ok {
			g.Inputs = append(g.Inputs, t)
		}
	}

	nodes := make([]*Node, len(og.GetNode()))
	producer := make(map[string]int)
	for i, on := range og.GetNode() {
		n, err := nodeFromProto(on, i)
		if err != nil {
			return nil, err
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if _, ok := g.tensors[out]; ok {
				return nil, diag.Errorf(diag.InvalidGraph, "node %q redefines graph input or initializer %q", n.LayerName(), out)
			}
			if prev, ok := producer[out]; ok {
				return nil, diag.Errorf(diag.InvalidGraph, "tensor %q produced by nodes %d and %d", out, prev, i)
			}
			producer[out] = i
		}
		nodes[i] = n
	}

	for _, n := range nodes {
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if _, ok := g.tensors[in]; ok {
				continue
			}
			if _, ok := producer[in]; !ok {
				return nil, diag.Errorf(diag.InvalidGraph, "node %q consumes undefined tensor %q", n.LayerName(), in)
			}
		}
	}

	order, err := topoSort(nodes, producer)
	if err != nil {
		return nil, err
	}

	valueInfo := make(map[string]*onnx.ValueInfoProto)
	for _, vi := range og.GetValueInfo() {
		valueInfo[vi.GetName()] = vi
	}
	for _, vi := range og.GetOutput() {
		valueInfo[vi.GetName()] = vi
	}

	g.Nodes = make([]*Node, len(order))
	for pos, orig := range order {
		n := nodes[orig]
		n.Index = pos
		g.Nodes[pos] = n
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			t := &Tensor{Name: out, Producer: pos}
			if vi, ok := valueInfo[out]; ok {
				t = tensorFromValueInfo(vi)
				t.Producer = pos
			}
			g.tensors[out] = t
		}
		if n.OpType == "Constant" && isDefaultDomain(n.Domain) && len(n.Outputs) == 1 && n.Outputs[0] != "" {
			if c, err := n.ConstantValue(); err == nil {
				g.folded[n.Outputs[0]] = c
			}
		}
	}

	for _, out := range og.GetOutput() {
		name := out.GetName()
		if _, ok := g.tensors[name]; !ok {
			return nil, diag.Errorf(diag.InvalidGraph, "graph output %q is not produced by any node", name)
		}
		g.Outputs = append(g.Outputs, name)
	}

	return g, nil
}

// indexHeap orders ready nodes by their position in the model file so the
// topological order is stable.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}

// topoSort returns node indices in an order where every producer precedes
// its consumers. Among ready nodes the earliest in file order goes first, so
// an already sorted graph keeps its order.
func topoSort(nodes []*Node, producer map[string]int) ([]int, error) {
	indegree := make([]int, len(nodes))
	consumers := make([][]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[int]bool)
		for _, in := range n.Inputs {
			p, ok := producer[in]
			if !ok || in == "" || seen[p] {
				continue
			}
			seen[p] = true
			indegree[i]++
			consumers[p] = append(consumers[p], i)
		}
	}

	ready := &indexHeap{}
	for i, d := range indegree {
		if d == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, c := range consumers[i] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}

	if len(order) != len(nodes) {
		for i, d := range indegree {
			if d > 0 {
				return nil, diag.Errorf(diag.InvalidGraph, "graph has a cycle through node %q", nodes[i].LayerName())
			}
		}
	}
	return order, nil
}

func tensorFromValueInfo(vi *onnx.ValueInfoProto) *Tensor {
	t := &Tensor{Name: vi.GetName()}
	tt := vi.GetType().GetTensorType()
	if tt == nil {
		return t
	}
	t.DType = DataType(tt.GetElemType())
	if s := tt.GetShape(); s != nil {
		t.Shape = make(Shape, len(s.GetDim()))
		for i, d := range s.GetDim() {
			if d.HasValue && d.GetDimValue() >= 0 {
				t.Shape[i] = d.GetDimValue()
			} else {
				t.Shape[i] = -1
			}
		}
	}
	return t
}

func nodeFromProto(on *onnx.NodeProto, i int) (*Node, error) {
	n := &Node{
		Index:      i,
		Name:       on.GetName(),
		OpType:     on.GetOpType(),
		Domain:     on.GetDomain(),
		Inputs:     on.GetInput(),
		Outputs:    on.GetOutput(),
		Attributes: make(map[string]*Attribute, len(on.GetAttribute())),
	}
	if n.OpType == "" {
		return nil, diag.Errorf(diag.InvalidNode, "node %d (%q) has no op type", i, n.Name).AtNode(i)
	}
	for _, oa := range on.GetAttribute() {
		a, err := attributeFromProto(oa)
		if err != nil {
			return nil, diag.Errorf(diag.InvalidNode, "node %q attribute %q: %v", n.LayerName(), oa.GetName(), err).AtNode(i)
		}
		n.Attributes[a.Name] = a
	}
	return n, nil
}

func attributeFromProto(oa *onnx.AttributeProto) (*Attribute, error) {
	a := &Attribute{Name: oa.GetName(), Kind: AttrKind(oa.GetType())}
	switch oa.GetType() {
	case onnx.AttributeProto_FLOAT:
		a.F = oa.GetF()
	case onnx.AttributeProto_INT:
		a.I = oa.GetI()
	case onnx.AttributeProto_STRING:
		a.S = string(oa.GetS())
	case onnx.AttributeProto_TENSOR:
		c, err := constantFromProto(oa.GetT(), "", false)
		if err != nil {
			return nil, err
		}
		a.T = c
	case onnx.AttributeProto_FLOATS:
		a.Floats = oa.GetFloats()
	case onnx.AttributeProto_INTS:
		a.Ints = oa.GetInts()
	case onnx.AttributeProto_STRINGS:
		a.Strings = make([]string, len(oa.GetStrings()))
		for i, s := range oa.GetStrings() {
			a.Strings[i] = string(s)
		}
	}
	return a, nil
}

// constantFromProto normalises the typed storage fields of a tensor into
// little-endian bytes and checks the length against the dimensions. With
// stripped set, a tensor carrying no data at all is returned as a Stripped
// placeholder.
func constantFromProto(t *onnx.TensorProto, baseDir string, stripped bool) (*Constant, error) {
	c := &Constant{DType: DataType(t.GetDataType()), Dims: t.GetDims()}
	if _, ok := dtypeInfo[c.DType]; !ok || c.DType == Undefined {
		return nil, diag.Errorf(diag.InvalidValue, "tensor %q has unknown data type %d", t.GetName(), t.GetDataType())
	}
	for _, d := range c.Dims {
		if d < 0 {
			return nil, diag.Errorf(diag.InvalidValue, "tensor %q has negative dimension %d", t.GetName(), d)
		}
	}

	if c.DType == String {
		for _, s := range t.StringData {
			c.Strings = append(c.Strings, string(s))
		}
		return c, nil
	}

	size := c.DType.Size()
	switch {
	case t.IsExternal():
		data, err := onnx.ReadExternalData(t, baseDir)
		if err != nil {
			return nil, diag.From(err, diag.InvalidValue, diag.NoNode)
		}
		c.Data = data
	case len(t.GetRawData()) > 0:
		c.Data = t.GetRawData()
	case len(t.GetFloatData()) > 0:
		c.Data = make([]byte, 0, 4*len(t.GetFloatData()))
		for _, v := range t.GetFloatData() {
			c.Data = binary.LittleEndian.AppendUint32(c.Data, math.Float32bits(v))
		}
	case len(t.GetDoubleData()) > 0:
		c.Data = make([]byte, 0, 8*len(t.GetDoubleData()))
		for _, v := range t.GetDoubleData() {
			c.Data = binary.LittleEndian.AppendUint64(c.Data, math.Float64bits(v))
		}
	case len(t.GetInt64Data()) > 0:
		c.Data = make([]byte, 0, 8*len(t.GetInt64Data()))
		for _, v := range t.GetInt64Data() {
			c.Data = binary.LittleEndian.AppendUint64(c.Data, uint64(v))
		}
	case len(t.GetUint64Data()) > 0:
		c.Data = make([]byte, 0, size*len(t.GetUint64Data()))
		for _, v := range t.GetUint64Data() {
			if size == 4 {
				c.Data = binary.LittleEndian.AppendUint32(c.Data, uint32(v))
			} else {
				c.Data = binary.LittleEndian.AppendUint64(c.Data, v)
			}
		}
	case len(t.GetInt32Data()) > 0:
		// int32_data also carries the narrow types, one element per entry.
		c.Data = make([]byte, 0, size*len(t.GetInt32Data()))
		for _, v := range t.GetInt32Data() {
			switch size {
			case 1:
				c.Data = append(c.Data, byte(v))
			case 2:
				c.Data = binary.LittleEndian.AppendUint16(c.Data, uint16(v))
			default:
				c.Data = binary.LittleEndian.AppendUint32(c.Data, uint32(v))
			}
		}
	}

	want := c.NumElements() * int64(size)
	if stripped && len(c.Data) == 0 && want > 0 && !t.IsExternal() {
		c.Stripped = true
		return c, nil
	}
	if int64(len(c.Data)) != want {
		return nil, diag.Errorf(diag.InvalidValue, "tensor %q (%s %v) holds %d bytes, expected %d",
			t.GetName(), c.DType, Shape(c.Dims), len(c.Data), want)
	}
	return c, nil
}

func isDefaultDomain(domain string) bool {
	return domain == "" || domain == "ai.onnx"
}
