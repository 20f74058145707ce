package graph

import (
	"strings"

	"github.com/pkg/errors"
)

// DataType is a tensor element type. The values are those of ONNX
// TensorProto.DataType.
type DataType int32

const (
	Undefined DataType = iota
	Float
	Uint8
	Int8
	Uint16
	Int16
	Int32
	Int64
	String
	Bool
	Float16
	Double
	Uint32
	Uint64
	Complex64
	Complex128
	BFloat16
)

var dtypeInfo = map[DataType]struct {
	name string
	size int
}{
	Undefined:  {"undefined", 0},
	Float:      {"float32", 4},
	Uint8:      {"uint8", 1},
	Int8:       {"int8", 1},
	Uint16:     {"uint16", 2},
	Int16:      {"int16", 2},
	Int32:      {"int32", 4},
	Int64:      {"int64", 8},
	String:     {"string", 0},
	Bool:       {"bool", 1},
	Float16:    {"float16", 2},
	Double:     {"float64", 8},
	Uint32:     {"uint32", 4},
	Uint64:     {"uint64", 8},
	Complex64:  {"complex64", 8},
	Complex128: {"complex128", 16},
	BFloat16:   {"bfloat16", 2},
}

// Size is the number of bytes of one element, or 0 for types without a fixed
// width.
func (d DataType) Size() int {
	return dtypeInfo[d].size
}

func (d DataType) String() string {
	if info, ok := dtypeInfo[d]; ok {
		return info.name
	}
	return "unknown"
}

// IsFloat reports whether d is a floating point type.
func (d DataType) IsFloat() bool {
	switch d {
	case Float, Float16, BFloat16, Double:
		return true
	}
	return false
}

// IsInteger reports whether d is a signed or unsigned integer type.
func (d DataType) IsInteger() bool {
	switch d {
	case Uint8, Int8, Uint16, Int16, Int32, Int64, Uint32, Uint64:
		return true
	}
	return false
}

var dtypeAliases = map[string]DataType{
	"float":  Float,
	"fp32":   Float,
	"half":   Float16,
	"fp16":   Float16,
	"double": Double,
	"bf16":   BFloat16,
}

// ParseDataType accepts the names returned by String, the ONNX schema names
// (FLOAT, DOUBLE, ...) and a few common aliases, case-insensitively.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if d, ok := dtypeAliases[name]; ok {
		return d, nil
	}
	for d, info := range dtypeInfo {
		if info.name == name && d != Undefined {
			return d, nil
		}
	}
	return Undefined, errors.Errorf("unknown data type %q", s)
}
