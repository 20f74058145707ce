package graph

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Shape is a tensor shape. A nil Shape has unknown rank; a dimension of -1 is
// unknown.
type Shape []int64

// Known reports whether the rank and every dimension are known.
func (s Shape) Known() bool {
	if s == nil {
		return false
	}
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

// NumElements returns the element count of a fully known shape.
func (s Shape) NumElements() (int64, bool) {
	if !s.Known() {
		return 0, false
	}
	return numElements(s), true
}

func (s Shape) String() string {
	if s == nil {
		return "[?]"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func numElements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

// Constant is an immutable tensor value: an initializer, a Constant node
// payload or a tensor attribute. Data holds little-endian element bytes.
// STRING constants keep their elements in Strings instead.
type Constant struct {
	DType   DataType
	Dims    []int64
	Data    []byte
	Strings []string
	// Stripped marks an initializer declared without its values. They must
	// be supplied by a weight descriptor before import.
	Stripped bool
}

// NumElements is the product of Dims; 1 for a scalar.
func (c *Constant) NumElements() int64 {
	return numElements(c.Dims)
}

// Int64s decodes an integer constant.
func (c *Constant) Int64s() ([]int64, error) {
	size := c.DType.Size()
	if !c.DType.IsInteger() && c.DType != Bool {
		return nil, errors.Errorf("constant is %s, not an integer type", c.DType)
	}
	if len(c.Data)%size != 0 {
		return nil, errors.Errorf("data length %d is not a multiple of %d for %s", len(c.Data), size, c.DType)
	}
	out := make([]int64, len(c.Data)/size)
	for i := range out {
		b := c.Data[i*size:]
		switch c.DType {
		case Int64:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		case Uint64:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		case Int32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(b)))
		case Uint32:
			out[i] = int64(binary.LittleEndian.Uint32(b))
		case Int16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(b)))
		case Uint16:
			out[i] = int64(binary.LittleEndian.Uint16(b))
		case Int8:
			out[i] = int64(int8(b[0]))
		default:
			out[i] = int64(b[0])
		}
	}
	return out, nil
}

// Float32s decodes a floating point constant, widening or narrowing to
// float32.
func (c *Constant) Float32s() ([]float32, error) {
	if !c.DType.IsFloat() {
		return nil, errors.Errorf("constant is %s, not a floating point type", c.DType)
	}
	size := c.DType.Size()
	if len(c.Data)%size != 0 {
		return nil, errors.Errorf("data length %d is not a multiple of %d for %s", len(c.Data), size, c.DType)
	}
	out := make([]float32, len(c.Data)/size)
	for i := range out {
		b := c.Data[i*size:]
		switch c.DType {
		case Float:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case Double:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case Float16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
		case BFloat16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
		}
	}
	return out, nil
}

// FloatConstant builds a FLOAT constant from values.
func FloatConstant(dims []int64, values ...float32) *Constant {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &Constant{DType: Float, Dims: dims, Data: data}
}

// Int64Constant builds a one-dimensional INT64 constant from values.
func Int64Constant(values ...int64) *Constant {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return &Constant{DType: Int64, Dims: []int64{int64(len(values))}, Data: data}
}

// Tensor is a named value flowing along the graph's edges.
type Tensor struct {
	Name  string
	DType DataType
	Shape Shape
	// Value is set for initializers.
	Value *Constant
	// Producer is the index of the node producing the tensor, or -1 for
	// graph inputs and initializers.
	Producer int
}

// IsConstant reports whether the tensor is a model constant.
func (t *Tensor) IsConstant() bool {
	return t != nil && t.Value != nil
}
