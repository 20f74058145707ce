// Package registry maps ONNX operator types to the importers that translate
// them into network layers, and answers capability queries from that map.
package registry

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
)

// Input is one resolved node input: a network tensor, model weights, or
// neither for an absent optional input. The output of a Constant node carries
// both its tensor and its weights.
type Input struct {
	Tensor  *network.Tensor
	Weights *network.Weights
}

// Absent reports whether the input was omitted.
func (i Input) Absent() bool { return i.Tensor == nil && i.Weights == nil }

// IsWeights reports whether the input is a model constant.
func (i Input) IsWeights() bool { return i.Weights != nil }

// Context holds everything an importer may use besides the node itself. One
// Context serves a whole import.
type Context struct {
	Network network.Network
	Graph   *graph.Graph
	Logger  logrus.FieldLogger
	// Weights returns the shared weights of a model constant, or nil when
	// name is not one. It may be nil.
	Weights func(name string) (*network.Weights, error)

	constants map[*network.Weights]*network.Tensor
}

// ConstantTensor returns a network tensor holding w. The first call adds a
// Constant layer named consumer/w.Name; later calls for the same weights
// return the same tensor.
func (c *Context) ConstantTensor(consumer string, w *network.Weights) (*network.Tensor, error) {
	if t, ok := c.constants[w]; ok {
		return t, nil
	}
	t := &network.Tensor{Name: consumer + "/" + w.Name, DType: w.DType, Shape: graph.Shape(w.Shape)}
	_, err := c.Network.AddLayer(network.LayerSpec{
		Name:    t.Name,
		Type:    "Constant",
		Weights: []network.WeightBinding{{Role: network.RoleConstant, Weights: w}},
		Outputs: []*network.Tensor{t},
	})
	if err != nil {
		return nil, err
	}
	if c.constants == nil {
		c.constants = make(map[*network.Weights]*network.Tensor)
	}
	c.constants[w] = t
	return t, nil
}

// Outputs returns one network tensor per non-empty node output, named after
// it. The element type comes from the graph when it is known and falls back
// to dtype.
func (c *Context) Outputs(n *graph.Node, dtype graph.DataType) []*network.Tensor {
	out := make([]*network.Tensor, 0, len(n.Outputs))
	for _, name := range n.Outputs {
		if name == "" {
			continue
		}
		t := &network.Tensor{Name: name, DType: dtype}
		if gt := c.Graph.Tensor(name); gt != nil {
			if gt.DType != graph.Undefined {
				t.DType = gt.DType
			}
			t.Shape = gt.Shape
		}
		out = append(out, t)
	}
	return out
}

// Importer translates one node kind.
type Importer interface {
	// Supports is a static check that must not touch any network. A nil
	// error means the node is expected to import.
	Supports(g *graph.Graph, n *graph.Node) error
	// Import adds the node's layers to ctx.Network and returns the tensors
	// for the node's outputs, in order.
	Import(ctx *Context, n *graph.Node, inputs []Input) ([]*network.Tensor, error)
}

// ImportFunc is the Import half of an Importer.
type ImportFunc func(ctx *Context, n *graph.Node, inputs []Input) ([]*network.Tensor, error)

// CheckFunc is the Supports half of an Importer.
type CheckFunc func(g *graph.Graph, n *graph.Node) error

type funcImporter struct {
	build ImportFunc
	check CheckFunc
}

func (f funcImporter) Supports(g *graph.Graph, n *graph.Node) error {
	if f.check == nil {
		return nil
	}
	return f.check(g, n)
}

func (f funcImporter) Import(ctx *Context, n *graph.Node, inputs []Input) ([]*network.Tensor, error) {
	return f.build(ctx, n, inputs)
}

// Func builds an Importer from functions. check may be nil.
func Func(build ImportFunc, check CheckFunc) Importer {
	return funcImporter{build: build, check: check}
}

// Registry holds importers keyed by op type, or by domain and op type for
// custom domains.
type Registry struct {
	importers map[string]Importer
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{importers: make(map[string]Importer)}
}

func key(domain, op string) string {
	if isDefaultDomain(domain) {
		return op
	}
	return domain + "::" + op
}

func isDefaultDomain(domain string) bool {
	return domain == "" || domain == "ai.onnx"
}

// Register adds an importer for an op of the default domain, replacing any
// previous one.
func (r *Registry) Register(op string, imp Importer) {
	r.importers[key("", op)] = imp
}

// RegisterDomain adds an importer for an op of a custom domain.
func (r *Registry) RegisterDomain(domain, op string, imp Importer) {
	r.importers[key(domain, op)] = imp
}

// Get returns the importer for op in domain.
func (r *Registry) Get(domain, op string) (Importer, bool) {
	imp, ok := r.importers[key(domain, op)]
	return imp, ok
}

// Has reports whether an importer exists for op in the default domain.
func (r *Registry) Has(op string) bool {
	_, ok := r.importers[key("", op)]
	return ok
}

// Ops returns the registered keys, sorted.
func (r *Registry) Ops() []string {
	ops := make([]string, 0, len(r.importers))
	for k := range r.importers {
		ops = append(ops, k)
	}
	sort.Strings(ops)
	return ops
}

// Clone returns an independent copy.
func (r *Registry) Clone() *Registry {
	c := New()
	for k, v := range r.importers {
		c.importers[k] = v
	}
	return c
}

// Without returns a copy lacking the given default-domain ops.
func (r *Registry) Without(ops ...string) *Registry {
	c := r.Clone()
	for _, op := range ops {
		delete(c.importers, key("", op))
	}
	return c
}

// Default holds the built-in importers. Packages register into it from init.
var Default = New()

// Register adds an importer to Default.
func Register(op string, imp Importer) {
	Default.Register(op, imp)
}

// Get returns an importer from Default.
func Get(op string) (Importer, bool) {
	return Default.Get("", op)
}

// Oracle answers whether nodes of one graph can be imported. It never
// touches a network.
type Oracle struct {
	reg      *Registry
	g        *graph.Graph
	disabled map[string]bool
}

// OracleFor returns an oracle over g. Ops listed in disabled are reported as
// unsupported.
func (r *Registry) OracleFor(g *graph.Graph, disabled ...string) *Oracle {
	o := &Oracle{reg: r, g: g, disabled: make(map[string]bool, len(disabled))}
	for _, op := range disabled {
		o.disabled[op] = true
	}
	return o
}

// Supports reports whether n is expected to import, and why not otherwise.
// It may report false positives: an importer can still fail on a node the
// oracle accepted.
func (o *Oracle) Supports(n *graph.Node) (bool, string) {
	if o.disabled[n.OpType] {
		return false, "operator " + n.OpType + " is disabled"
	}
	imp, ok := o.reg.Get(n.Domain, n.OpType)
	if !ok {
		if !isDefaultDomain(n.Domain) {
			return false, "no importer for " + n.OpType + " in domain " + n.Domain
		}
		return false, "no importer registered for " + n.OpType
	}
	if reason := o.unsupportedTypes(n); reason != "" {
		return false, reason
	}
	if err := imp.Supports(o.g, n); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (o *Oracle) unsupportedTypes(n *graph.Node) string {
	var bad []string
	check := func(names []string) {
		for _, name := range names {
			if t := o.g.Tensor(name); t != nil && !network.CanCarry(t.DType) {
				bad = append(bad, name+" ("+t.DType.String()+")")
			}
		}
	}
	check(n.Inputs)
	check(n.Outputs)
	if len(bad) == 0 {
		return ""
	}
	return "unsupported element type: " + strings.Join(bad, ", ")
}
