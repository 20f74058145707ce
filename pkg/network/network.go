// Package network defines the sink a parsed model is imported into and a
// ZMF-backed implementation of it.
package network

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
)

// Role is the part a weight plays in the layer that binds it.
type Role int

const (
	RoleUnknown Role = iota
	RoleKernel
	RoleBias
	RoleShift
	RoleScale
	RoleConstant
)

var roleNames = [...]string{
	RoleUnknown:  "unknown",
	RoleKernel:   "kernel",
	RoleBias:     "bias",
	RoleShift:    "shift",
	RoleScale:    "scale",
	RoleConstant: "constant",
}

func (r Role) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "unknown"
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(name, s) {
			return Role(r), nil
		}
	}
	return RoleUnknown, errors.Errorf("unknown weight role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Weights is a named constant handed to a layer. Data is little-endian and is
// never modified by the network.
type Weights struct {
	Name  string
	DType graph.DataType
	Shape []int64
	Data  []byte
	// From lists the weights a computed value was derived from, such as the
	// statistics folded into a batch normalization scale.
	From []*Weights
}

// Tensor is a value inside the network.
type Tensor struct {
	Name  string
	DType graph.DataType
	Shape graph.Shape
}

// WeightBinding attaches weights to a layer under a role.
type WeightBinding struct {
	Role    Role
	Weights *Weights
}

// LayerSpec describes a layer to add. Name may be empty or already taken;
// the network picks a unique name either way. Attribute values may be
// float32, float64, int, int64, bool, string, []int64, []int, []float32 or
// []string.
type LayerSpec struct {
	Name       string
	Type       string
	Inputs     []*Tensor
	Weights    []WeightBinding
	Attributes map[string]any
	Outputs    []*Tensor
}

// Layer is a layer that was added to a network.
type Layer struct {
	Name    string
	Type    string
	Inputs  []*Tensor
	Weights []WeightBinding
	Outputs []*Tensor
}

// Network is the sink a graph is imported into. Implementations need not be
// safe for concurrent use.
type Network interface {
	// AddInput declares a network input.
	AddInput(name string, dtype graph.DataType, shape graph.Shape) (*Tensor, error)
	// AddLayer appends a layer. Its inputs must be tensors of this network.
	AddLayer(spec LayerSpec) (*Layer, error)
	// MarkOutput marks a tensor of this network as a network output.
	MarkOutput(t *Tensor) error
	// Layers returns the layers added so far, in order.
	Layers() []*Layer
}

// SourceRecorder is implemented by networks that keep provenance metadata.
type SourceRecorder interface {
	RecordSource(graphName string, opset int64)
}

// CanCarry reports whether values of dtype can flow through a network.
func CanCarry(dtype graph.DataType) bool {
	switch dtype {
	case graph.String, graph.Complex64, graph.Complex128:
		return false
	}
	return true
}
