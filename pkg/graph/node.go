package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// AttrKind is the type of an attribute value.
type AttrKind int

const (
	AttrUndefined AttrKind = iota
	AttrFloat
	AttrInt
	AttrString
	AttrTensor
	AttrGraph
	AttrFloats
	AttrInts
	AttrStrings
	AttrTensors
	AttrGraphs
)

// Attribute is a named operator attribute. Only the field matching Kind is
// meaningful.
type Attribute struct {
	Name    string
	Kind    AttrKind
	F       float32
	I       int64
	S       string
	T       *Constant
	Floats  []float32
	Ints    []int64
	Strings []string
}

// Node is one operator invocation. Index is its position in topological
// order.
type Node struct {
	Index      int
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes map[string]*Attribute
}

// LayerName is the name of the node, or OpType_Index for unnamed nodes.
func (n *Node) LayerName() string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("%s_%d", n.OpType, n.Index)
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (*Attribute, bool) {
	a, ok := n.Attributes[name]
	return a, ok
}

// IntOr returns the integer attribute name, or def when it is absent.
func (n *Node) IntOr(name string, def int64) int64 {
	if a, ok := n.Attributes[name]; ok && a.Kind == AttrInt {
		return a.I
	}
	return def
}

// FloatOr returns the float attribute name, or def when it is absent.
func (n *Node) FloatOr(name string, def float32) float32 {
	if a, ok := n.Attributes[name]; ok && a.Kind == AttrFloat {
		return a.F
	}
	return def
}

// StringOr returns the string attribute name, or def when it is absent.
func (n *Node) StringOr(name, def string) string {
	if a, ok := n.Attributes[name]; ok && a.Kind == AttrString {
		return a.S
	}
	return def
}

// Ints returns the integer list attribute name.
func (n *Node) Ints(name string) ([]int64, bool) {
	if a, ok := n.Attributes[name]; ok && a.Kind == AttrInts {
		return a.Ints, true
	}
	return nil, false
}

// Floats returns the float list attribute name.
func (n *Node) Floats(name string) ([]float32, bool) {
	if a, ok := n.Attributes[name]; ok && a.Kind == AttrFloats {
		return a.Floats, true
	}
	return nil, false
}

// Input returns the i-th input name, or "" when the node has fewer inputs.
// An empty name marks an absent optional input.
func (n *Node) Input(i int) string {
	if i < 0 || i >= len(n.Inputs) {
		return ""
	}
	return n.Inputs[i]
}

// ConstantValue reads the payload of a Constant node.
func (n *Node) ConstantValue() (*Constant, error) {
	if n.OpType != "Constant" {
		return nil, errors.Errorf("%s is not a Constant node", n.LayerName())
	}
	if a, ok := n.Attr("value"); ok && a.Kind == AttrTensor && a.T != nil {
		if a.T.DType == String {
			return nil, errors.New("Constant: string tensors are not supported")
		}
		return a.T, nil
	}
	if a, ok := n.Attr("value_float"); ok && a.Kind == AttrFloat {
		return FloatConstant(nil, a.F), nil
	}
	if a, ok := n.Attr("value_floats"); ok && a.Kind == AttrFloats {
		return FloatConstant([]int64{int64(len(a.Floats))}, a.Floats...), nil
	}
	if a, ok := n.Attr("value_int"); ok && a.Kind == AttrInt {
		c := Int64Constant(a.I)
		c.Dims = nil
		return c, nil
	}
	if a, ok := n.Attr("value_ints"); ok && a.Kind == AttrInts {
		return Int64Constant(a.Ints...), nil
	}
	return nil, errors.New("Constant: no supported value attribute")
}
