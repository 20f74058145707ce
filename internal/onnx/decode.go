package onnx

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a binary ModelProto.
func Unmarshal(data []byte) (*ModelProto, error) {
	if len(data) == 0 {
		return nil, errors.New("empty model data")
	}
	m, err := decodeModel(data)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal ONNX protobuf")
	}
	return m, nil
}

// field is one decoded wire field. For BytesType fields raw holds the payload,
// for scalar wire types u holds the value bits.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	u   uint64
}

// walk calls fn for every field of the message encoded in b, in wire order.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad field tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return errors.Errorf("field %d: wire type %d, expected %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) bytes() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.raw, nil
}

func (f field) str() (string, error) {
	b, err := f.bytes()
	return string(b), err
}

func (f field) int64() (int64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return int64(f.u), nil
}

func (f field) float32() (float32, error) {
	if err := f.want(protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(f.u)), nil
}

// appendVarints handles both packed and unpacked encodings of a repeated
// varint field.
func appendVarints(dst []uint64, f field) ([]uint64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, f.u), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.num)
			}
			dst = append(dst, v)
			b = b[n:]
		}
		return dst, nil
	}
	return nil, errors.Errorf("field %d: wire type %d is not a varint list", f.num, f.typ)
}

func appendInt64s(dst []int64, f field) ([]int64, error) {
	vs, err := appendVarints(nil, f)
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		dst = append(dst, int64(v))
	}
	return dst, nil
}

func appendInt32s(dst []int32, f field) ([]int32, error) {
	vs, err := appendVarints(nil, f)
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		dst = append(dst, int32(v))
	}
	return dst, nil
}

func appendFloat32s(dst []float32, f field) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.u))), nil
	case protowire.BytesType:
		b := f.raw
		if len(b)%4 != 0 {
			return nil, errors.Errorf("packed field %d: length %d is not a multiple of 4", f.num, len(b))
		}
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.num)
			}
			dst = append(dst, math.Float32frombits(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, errors.Errorf("field %d: wire type %d is not a float list", f.num, f.typ)
}

func appendFloat64s(dst []float64, f field) ([]float64, error) {
	switch f.typ {
	case protowire.Fixed64Type:
		return append(dst, math.Float64frombits(f.u)), nil
	case protowire.BytesType:
		b := f.raw
		if len(b)%8 != 0 {
			return nil, errors.Errorf("packed field %d: length %d is not a multiple of 8", f.num, len(b))
		}
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.num)
			}
			dst = append(dst, math.Float64frombits(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, errors.Errorf("field %d: wire type %d is not a double list", f.num, f.typ)
}

func decodeModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.IrVersion, err = f.int64()
		case 2:
			m.ProducerName, err = f.str()
		case 3:
			m.ProducerVersion, err = f.str()
		case 4:
			m.Domain, err = f.str()
		case 5:
			m.ModelVersion, err = f.int64()
		case 6:
			m.DocString, err = f.str()
		case 7:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				m.Graph, err = decodeGraph(raw)
			}
		case 8:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var opset *OperatorSetIdProto
				if opset, err = decodeOperatorSetID(raw); err == nil {
					m.OpsetImport = append(m.OpsetImport, opset)
				}
			}
		case 14:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var entry *StringStringEntryProto
				if entry, err = decodeStringStringEntry(raw); err == nil {
					m.MetadataProps = append(m.MetadataProps, entry)
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "model")
	}
	return m, nil
}

func decodeOperatorSetID(b []byte) (*OperatorSetIdProto, error) {
	o := &OperatorSetIdProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			o.Domain, err = f.str()
		case 2:
			o.Version, err = f.int64()
		}
		return err
	})
	return o, errors.WithMessage(err, "opset_import")
}

func decodeStringStringEntry(b []byte) (*StringStringEntryProto, error) {
	e := &StringStringEntryProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.Key, err = f.str()
		case 2:
			e.Value, err = f.str()
		}
		return err
	})
	return e, err
}

func decodeGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var n *NodeProto
				if n, err = decodeNode(raw); err == nil {
					g.Node = append(g.Node, n)
				}
			}
		case 2:
			g.Name, err = f.str()
		case 5:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var t *TensorProto
				if t, err = decodeTensor(raw); err == nil {
					g.Initializer = append(g.Initializer, t)
				}
			}
		case 10:
			g.DocString, err = f.str()
		case 11, 12, 13:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var v *ValueInfoProto
				if v, err = decodeValueInfo(raw); err == nil {
					switch f.num {
					case 11:
						g.Input = append(g.Input, v)
					case 12:
						g.Output = append(g.Output, v)
					default:
						g.ValueInfo = append(g.ValueInfo, v)
					}
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "graph")
	}
	return g, nil
}

func decodeNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(b, func(f field) error {
		var err error
		var s string
		switch f.num {
		case 1:
			if s, err = f.str(); err == nil {
				n.Input = append(n.Input, s)
			}
		case 2:
			if s, err = f.str(); err == nil {
				n.Output = append(n.Output, s)
			}
		case 3:
			n.Name, err = f.str()
		case 4:
			n.OpType, err = f.str()
		case 5:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				var a *AttributeProto
				if a, err = decodeAttribute(raw); err == nil {
					n.Attribute = append(n.Attribute, a)
				}
			}
		case 6:
			n.DocString, err = f.str()
		case 7:
			n.Domain, err = f.str()
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q", n.Name)
	}
	return n, nil
}

func decodeAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(b, func(f field) error {
		var err error
		var raw []byte
		switch f.num {
		case 1:
			a.Name, err = f.str()
		case 2:
			a.F, err = f.float32()
		case 3:
			a.I, err = f.int64()
		case 4:
			a.S, err = f.bytes()
		case 5:
			if raw, err = f.bytes(); err == nil {
				a.T, err = decodeTensor(raw)
			}
		case 7:
			a.Floats, err = appendFloat32s(a.Floats, f)
		case 8:
			a.Ints, err = appendInt64s(a.Ints, f)
		case 9:
			if raw, err = f.bytes(); err == nil {
				a.Strings = append(a.Strings, raw)
			}
		case 10:
			if raw, err = f.bytes(); err == nil {
				var t *TensorProto
				if t, err = decodeTensor(raw); err == nil {
					a.Tensors = append(a.Tensors, t)
				}
			}
		case 20:
			var v int64
			if v, err = f.int64(); err == nil {
				a.Type = AttributeProto_AttributeType(v)
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "attribute %q", a.Name)
	}
	if a.Type == AttributeProto_UNDEFINED {
		a.Type = inferAttributeType(a)
	}
	return a, nil
}

// inferAttributeType fills in the type tag for producers that omit it.
func inferAttributeType(a *AttributeProto) AttributeProto_AttributeType {
	switch {
	case a.T != nil:
		return AttributeProto_TENSOR
	case len(a.Floats) > 0:
		return AttributeProto_FLOATS
	case len(a.Ints) > 0:
		return AttributeProto_INTS
	case len(a.Strings) > 0:
		return AttributeProto_STRINGS
	case len(a.Tensors) > 0:
		return AttributeProto_TENSORS
	case a.S != nil:
		return AttributeProto_STRING
	case a.F != 0:
		return AttributeProto_FLOAT
	}
	return AttributeProto_INT
}

func decodeTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(f field) error {
		var err error
		var raw []byte
		switch f.num {
		case 1:
			t.Dims, err = appendInt64s(t.Dims, f)
		case 2:
			var v int64
			if v, err = f.int64(); err == nil {
				t.DataType = int32(v)
			}
		case 4:
			t.FloatData, err = appendFloat32s(t.FloatData, f)
		case 5:
			t.Int32Data, err = appendInt32s(t.Int32Data, f)
		case 6:
			if raw, err = f.bytes(); err == nil {
				t.StringData = append(t.StringData, raw)
			}
		case 7:
			t.Int64Data, err = appendInt64s(t.Int64Data, f)
		case 8:
			t.Name, err = f.str()
		case 9:
			t.RawData, err = f.bytes()
		case 10:
			t.DoubleData, err = appendFloat64s(t.DoubleData, f)
		case 11:
			t.Uint64Data, err = appendVarints(t.Uint64Data, f)
		case 12:
			t.DocString, err = f.str()
		case 13:
			if raw, err = f.bytes(); err == nil {
				var entry *StringStringEntryProto
				if entry, err = decodeStringStringEntry(raw); err == nil {
					t.ExternalData = append(t.ExternalData, entry)
				}
			}
		case 14:
			var v int64
			if v, err = f.int64(); err == nil {
				t.DataLocation = TensorProto_DataLocation(v)
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", t.Name)
	}
	return t, nil
}

func decodeValueInfo(b []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			v.Name, err = f.str()
		case 2:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				v.Type, err = decodeType(raw)
			}
		case 3:
			v.DocString, err = f.str()
		}
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "value_info %q", v.Name)
	}
	return v, nil
}

func decodeType(b []byte) (*TypeProto, error) {
	t := &TypeProto{}
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		t.TensorType = &TypeProto_Tensor{}
		return walk(raw, func(f field) error {
			var err error
			switch f.num {
			case 1:
				var v int64
				if v, err = f.int64(); err == nil {
					t.TensorType.ElemType = int32(v)
				}
			case 2:
				var raw []byte
				if raw, err = f.bytes(); err == nil {
					t.TensorType.Shape, err = decodeShape(raw)
				}
			}
			return err
		})
	})
	return t, err
}

func decodeShape(b []byte) (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		d := &TensorShapeProto_Dimension{}
		err = walk(raw, func(f field) error {
			var err error
			switch f.num {
			case 1:
				d.DimValue, err = f.int64()
				d.HasValue = err == nil
			case 2:
				d.DimParam, err = f.str()
			}
			return err
		})
		if err != nil {
			return err
		}
		s.Dim = append(s.Dim, d)
		return nil
	})
	return s, err
}
