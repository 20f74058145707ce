package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a ModelProto in the binary wire format. It writes the same
// subset of fields Unmarshal reads, which is enough to round-trip the models
// produced by this module and to build fixtures.
func Marshal(m *ModelProto) []byte {
	var b []byte
	if m.IrVersion != 0 {
		b = appendVarintField(b, 1, uint64(m.IrVersion))
	}
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion))
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, encodeGraph(m.Graph))
	}
	for _, opset := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, opset.Domain)
		ob = appendVarintField(ob, 2, uint64(opset.Version))
		b = appendMessage(b, 8, ob)
	}
	for _, e := range m.MetadataProps {
		b = appendMessage(b, 14, encodeEntry(e))
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	return appendBytesField(b, num, msg)
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytesField(b, num, packed)
}

func appendPackedFloat32s(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendBytesField(b, num, packed)
}

func encodeEntry(e *StringStringEntryProto) []byte {
	var b []byte
	b = appendStringField(b, 1, e.Key)
	b = appendStringField(b, 2, e.Value)
	return b
}

func encodeGraph(g *GraphProto) []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, encodeNode(n))
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, encodeTensor(t))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessage(b, 11, encodeValueInfo(v))
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, encodeValueInfo(v))
	}
	for _, v := range g.ValueInfo {
		b = appendMessage(b, 13, encodeValueInfo(v))
	}
	return b
}

func encodeNode(n *NodeProto) []byte {
	var b []byte
	// Empty input names mark absent optional inputs and must be kept.
	for _, in := range n.Input {
		b = appendBytesField(b, 1, []byte(in))
	}
	for _, out := range n.Output {
		b = appendBytesField(b, 2, []byte(out))
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, encodeAttribute(a))
	}
	b = appendStringField(b, 6, n.DocString)
	b = appendStringField(b, 7, n.Domain)
	return b
}

func encodeAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = appendVarintField(b, 3, uint64(a.I))
	case AttributeProto_STRING:
		b = appendBytesField(b, 4, a.S)
	case AttributeProto_TENSOR:
		b = appendMessage(b, 5, encodeTensor(a.T))
	case AttributeProto_FLOATS:
		b = appendPackedFloat32s(b, 7, a.Floats)
	case AttributeProto_INTS:
		b = appendPackedInt64s(b, 8, a.Ints)
	case AttributeProto_STRINGS:
		for _, s := range a.Strings {
			b = appendBytesField(b, 9, s)
		}
	case AttributeProto_TENSORS:
		for _, t := range a.Tensors {
			b = appendMessage(b, 10, encodeTensor(t))
		}
	}
	return appendVarintField(b, 20, uint64(a.Type))
}

func encodeTensor(t *TensorProto) []byte {
	var b []byte
	b = appendPackedInt64s(b, 1, t.Dims)
	if t.DataType != 0 {
		b = appendVarintField(b, 2, uint64(t.DataType))
	}
	b = appendPackedFloat32s(b, 4, t.FloatData)
	if len(t.Int32Data) > 0 {
		ints := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			ints[i] = int64(v)
		}
		b = appendPackedInt64s(b, 5, ints)
	}
	for _, s := range t.StringData {
		b = appendBytesField(b, 6, s)
	}
	b = appendPackedInt64s(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = appendBytesField(b, 9, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		var packed []byte
		for _, v := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendBytesField(b, 10, packed)
	}
	if len(t.Uint64Data) > 0 {
		var packed []byte
		for _, v := range t.Uint64Data {
			packed = protowire.AppendVarint(packed, v)
		}
		b = appendBytesField(b, 11, packed)
	}
	b = appendStringField(b, 12, t.DocString)
	for _, e := range t.ExternalData {
		b = appendMessage(b, 13, encodeEntry(e))
	}
	if t.DataLocation != TensorProto_DEFAULT {
		b = appendVarintField(b, 14, uint64(t.DataLocation))
	}
	return b
}

func encodeValueInfo(v *ValueInfoProto) []byte {
	var b []byte
	b = appendStringField(b, 1, v.Name)
	if tt := v.GetType().GetTensorType(); tt != nil {
		var tb []byte
		if tt.ElemType != 0 {
			tb = appendVarintField(tb, 1, uint64(tt.ElemType))
		}
		if tt.Shape != nil {
			var sb []byte
			for _, d := range tt.Shape.Dim {
				var db []byte
				switch {
				case d.DimParam != "":
					db = appendStringField(db, 2, d.DimParam)
				case d.HasValue:
					db = appendVarintField(db, 1, uint64(d.DimValue))
				}
				sb = appendMessage(sb, 1, db)
			}
			tb = appendMessage(tb, 2, sb)
		}
		b = appendMessage(b, 2, appendMessage(nil, 1, tb))
	}
	b = appendStringField(b, 3, v.DocString)
	return b
}
