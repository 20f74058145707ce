// Package onnxtest builds small ONNX models for tests.
package onnxtest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zerfoo/zparse/internal/onnx"
)

// Builder assembles a ModelProto one piece at a time.
type Builder struct {
	m *onnx.ModelProto
}

// NewModel starts a model targeting opset 17 of the default domain.
func NewModel(name string) *Builder {
	return &Builder{m: &onnx.ModelProto{
		IrVersion:    8,
		ProducerName: "onnxtest",
		OpsetImport:  []*onnx.OperatorSetIdProto{{Version: 17}},
		Graph:        &onnx.GraphProto{Name: name},
	}}
}

// Input declares a graph input.
func (b *Builder) Input(name string, dtype onnx.TensorProto_DataType, dims ...int64) *Builder {
	b.m.Graph.Input = append(b.m.Graph.Input, ValueInfo(name, dtype, dims...))
	return b
}

// Output declares a graph output.
func (b *Builder) Output(name string) *Builder {
	b.m.Graph.Output = append(b.m.Graph.Output, &onnx.ValueInfoProto{Name: name})
	return b
}

// Node appends an unnamed node.
func (b *Builder) Node(op string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *Builder {
	return b.NamedNode("", op, inputs, outputs, attrs...)
}

// NamedNode appends a node.
func (b *Builder) NamedNode(name, op string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *Builder {
	b.m.Graph.Node = append(b.m.Graph.Node, &onnx.NodeProto{
		Name:      name,
		OpType:    op,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	})
	return b
}

// FloatInit adds a FLOAT initializer stored as raw_data.
func (b *Builder) FloatInit(name string, dims []int64, values ...float32) *Builder {
	b.m.Graph.Initializer = append(b.m.Graph.Initializer, FloatTensor(name, dims, values...))
	return b
}

// Int64Init adds a one-dimensional INT64 initializer.
func (b *Builder) Int64Init(name string, values ...int64) *Builder {
	b.m.Graph.Initializer = append(b.m.Graph.Initializer, Int64Tensor(name, values...))
	return b
}

// Initializer adds an arbitrary initializer.
func (b *Builder) Initializer(t *onnx.TensorProto) *Builder {
	b.m.Graph.Initializer = append(b.m.Graph.Initializer, t)
	return b
}

// Model returns the assembled model.
func (b *Builder) Model() *onnx.ModelProto { return b.m }

// Bytes returns the serialized model.
func (b *Builder) Bytes() []byte { return onnx.Marshal(b.m) }

// Chain builds x -> op[0] -> op[1] -> ... -> output with single-input nodes
// named n0, n1, ...
func Chain(ops ...string) *Builder {
	b := NewModel("chain").Input("x", onnx.TensorProto_FLOAT, 1, 4)
	prev := "x"
	for i, op := range ops {
		out := fmt.Sprintf("t%d", i)
		b.NamedNode(fmt.Sprintf("n%d", i), op, []string{prev}, []string{out})
		prev = out
	}
	return b.Output(prev)
}

// ValueInfo describes a tensor value with a fully known shape.
func ValueInfo(name string, dtype onnx.TensorProto_DataType, dims ...int64) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		if d < 0 {
			shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{DimParam: "N"})
			continue
		}
		shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{DimValue: d, HasValue: true})
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TypeProto_Tensor{ElemType: int32(dtype), Shape: shape}},
	}
}

// FloatTensor is a FLOAT tensor stored as raw_data.
func FloatTensor(name string, dims []int64, values ...float32) *onnx.TensorProto {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &onnx.TensorProto{Name: name, DataType: int32(onnx.TensorProto_FLOAT), Dims: dims, RawData: raw}
}

// StrippedTensor declares a tensor's type and dims without any values, the
// way weight-stripped exports do.
func StrippedTensor(name string, dtype onnx.TensorProto_DataType, dims ...int64) *onnx.TensorProto {
	return &onnx.TensorProto{Name: name, DataType: int32(dtype), Dims: dims}
}

// Int64Tensor is a one-dimensional INT64 tensor stored in int64_data.
func Int64Tensor(name string, values ...int64) *onnx.TensorProto {
	return &onnx.TensorProto{
		Name:      name,
		DataType:  int32(onnx.TensorProto_INT64),
		Dims:      []int64{int64(len(values))},
		Int64Data: values,
	}
}

func AttrInt(name string, v int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INT, I: v}
}

func AttrFloat(name string, v float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_FLOAT, F: v}
}

func AttrString(name, v string) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_STRING, S: []byte(v)}
}

func AttrInts(name string, v ...int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INTS, Ints: v}
}

func AttrFloats(name string, v ...float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_FLOATS, Floats: v}
}

func AttrTensor(name string, t *onnx.TensorProto) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_TENSOR, T: t}
}
