// Package onnx decodes serialized ONNX models.
//
// The message types mirror the subset of onnx.proto the parser needs. They are
// decoded straight from the protobuf wire format with protowire, so the module
// does not carry generated code for the whole ONNX schema. Unknown fields are
// skipped. Accessors are nil-safe in the same way generated getters are.
package onnx

// TensorProto_DataType is the element type of a tensor (TensorProto.DataType).
type TensorProto_DataType int32

// ONNX element types.
const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

// TensorProto_DataType_name maps element types to their schema names.
var TensorProto_DataType_name = map[int32]string{
	0:  "UNDEFINED",
	1:  "FLOAT",
	2:  "UINT8",
	3:  "INT8",
	4:  "UINT16",
	5:  "INT16",
	6:  "INT32",
	7:  "INT64",
	8:  "STRING",
	9:  "BOOL",
	10: "FLOAT16",
	11: "DOUBLE",
	12: "UINT32",
	13: "UINT64",
	14: "COMPLEX64",
	15: "COMPLEX128",
	16: "BFLOAT16",
}

func (t TensorProto_DataType) String() string {
	if name, ok := TensorProto_DataType_name[int32(t)]; ok {
		return name
	}
	return "UNKNOWN"
}

// TensorProto_DataLocation tells where a tensor's bytes live.
type TensorProto_DataLocation int32

const (
	TensorProto_DEFAULT  TensorProto_DataLocation = 0
	TensorProto_EXTERNAL TensorProto_DataLocation = 1
)

// AttributeProto_AttributeType is the type tag of a node attribute.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

func (m *ModelProto) GetIrVersion() int64 {
	if m == nil {
		return 0
	}
	return m.IrVersion
}

func (m *ModelProto) GetOpsetImport() []*OperatorSetIdProto {
	if m == nil {
		return nil
	}
	return m.OpsetImport
}

func (m *ModelProto) GetProducerName() string {
	if m == nil {
		return ""
	}
	return m.ProducerName
}

func (m *ModelProto) GetProducerVersion() string {
	if m == nil {
		return ""
	}
	return m.ProducerVersion
}

func (m *ModelProto) GetGraph() *GraphProto {
	if m == nil {
		return nil
	}
	return m.Graph
}

// DefaultOpset returns the opset version imported for the default ONNX
// domain, or 0 when the model does not declare one.
func (m *ModelProto) DefaultOpset() int64 {
	for _, opset := range m.GetOpsetImport() {
		if opset.GetDomain() == "" || opset.GetDomain() == "ai.onnx" {
			return opset.GetVersion()
		}
	}
	return 0
}

// OperatorSetIdProto identifies an operator set.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

func (o *OperatorSetIdProto) GetDomain() string {
	if o == nil {
		return ""
	}
	return o.Domain
}

func (o *OperatorSetIdProto) GetVersion() int64 {
	if o == nil {
		return 0
	}
	return o.Version
}

// StringStringEntryProto is a key/value pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

func (e *StringStringEntryProto) GetKey() string {
	if e == nil {
		return ""
	}
	return e.Key
}

func (e *StringStringEntryProto) GetValue() string {
	if e == nil {
		return ""
	}
	return e.Value
}

// GraphProto is a computation graph.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

func (g *GraphProto) GetNode() []*NodeProto {
	if g == nil {
		return nil
	}
	return g.Node
}

func (g *GraphProto) GetName() string {
	if g == nil {
		return ""
	}
	return g.Name
}

func (g *GraphProto) GetInitializer() []*TensorProto {
	if g == nil {
		return nil
	}
	return g.Initializer
}

func (g *GraphProto) GetInput() []*ValueInfoProto {
	if g == nil {
		return nil
	}
	return g.Input
}

func (g *GraphProto) GetOutput() []*ValueInfoProto {
	if g == nil {
		return nil
	}
	return g.Output
}

func (g *GraphProto) GetValueInfo() []*ValueInfoProto {
	if g == nil {
		return nil
	}
	return g.ValueInfo
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

func (n *NodeProto) GetInput() []string {
	if n == nil {
		return nil
	}
	return n.Input
}

func (n *NodeProto) GetOutput() []string {
	if n == nil {
		return nil
	}
	return n.Output
}

func (n *NodeProto) GetName() string {
	if n == nil {
		return ""
	}
	return n.Name
}

func (n *NodeProto) GetOpType() string {
	if n == nil {
		return ""
	}
	return n.OpType
}

func (n *NodeProto) GetDomain() string {
	if n == nil {
		return ""
	}
	return n.Domain
}

func (n *NodeProto) GetAttribute() []*AttributeProto {
	if n == nil {
		return nil
	}
	return n.Attribute
}

// AttributeProto is a named operator attribute.
type AttributeProto struct {
	Name    string
	Type    AttributeProto_AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Tensors []*TensorProto
}

func (a *AttributeProto) GetName() string {
	if a == nil {
		return ""
	}
	return a.Name
}

func (a *AttributeProto) GetType() AttributeProto_AttributeType {
	if a == nil {
		return AttributeProto_UNDEFINED
	}
	return a.Type
}

func (a *AttributeProto) GetF() float32 {
	if a == nil {
		return 0
	}
	return a.F
}

func (a *AttributeProto) GetI() int64 {
	if a == nil {
		return 0
	}
	return a.I
}

func (a *AttributeProto) GetS() []byte {
	if a == nil {
		return nil
	}
	return a.S
}

func (a *AttributeProto) GetT() *TensorProto {
	if a == nil {
		return nil
	}
	return a.T
}

func (a *AttributeProto) GetFloats() []float32 {
	if a == nil {
		return nil
	}
	return a.Floats
}

func (a *AttributeProto) GetInts() []int64 {
	if a == nil {
		return nil
	}
	return a.Ints
}

func (a *AttributeProto) GetStrings() [][]byte {
	if a == nil {
		return nil
	}
	return a.Strings
}

// TensorProto is a constant tensor: an initializer or an attribute value.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	StringData   [][]byte
	Int64Data    []int64
	Name         string
	DocString    string
	RawData      []byte
	DoubleData   []float64
	Uint64Data   []uint64
	ExternalData []*StringStringEntryProto
	DataLocation TensorProto_DataLocation
}

func (t *TensorProto) GetDims() []int64 {
	if t == nil {
		return nil
	}
	return t.Dims
}

func (t *TensorProto) GetDataType() int32 {
	if t == nil {
		return 0
	}
	return t.DataType
}

func (t *TensorProto) GetFloatData() []float32 {
	if t == nil {
		return nil
	}
	return t.FloatData
}

func (t *TensorProto) GetInt32Data() []int32 {
	if t == nil {
		return nil
	}
	return t.Int32Data
}

func (t *TensorProto) GetInt64Data() []int64 {
	if t == nil {
		return nil
	}
	return t.Int64Data
}

func (t *TensorProto) GetName() string {
	if t == nil {
		return ""
	}
	return t.Name
}

func (t *TensorProto) GetRawData() []byte {
	if t == nil {
		return nil
	}
	return t.RawData
}

func (t *TensorProto) GetDoubleData() []float64 {
	if t == nil {
		return nil
	}
	return t.DoubleData
}

func (t *TensorProto) GetUint64Data() []uint64 {
	if t == nil {
		return nil
	}
	return t.Uint64Data
}

func (t *TensorProto) GetExternalData() []*StringStringEntryProto {
	if t == nil {
		return nil
	}
	return t.ExternalData
}

// IsExternal reports whether the tensor's bytes live outside the model file.
func (t *TensorProto) IsExternal() bool {
	if t == nil {
		return false
	}
	return t.DataLocation == TensorProto_EXTERNAL || len(t.ExternalData) > 0
}

// ValueInfoProto describes a named value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

func (v *ValueInfoProto) GetName() string {
	if v == nil {
		return ""
	}
	return v.Name
}

func (v *ValueInfoProto) GetType() *TypeProto {
	if v == nil {
		return nil
	}
	return v.Type
}

// TypeProto is the type of a value. Only tensor types are decoded.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

func (t *TypeProto) GetTensorType() *TypeProto_Tensor {
	if t == nil {
		return nil
	}
	return t.TensorType
}

// TypeProto_Tensor is a tensor type.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

func (t *TypeProto_Tensor) GetElemType() int32 {
	if t == nil {
		return 0
	}
	return t.ElemType
}

func (t *TypeProto_Tensor) GetShape() *TensorShapeProto {
	if t == nil {
		return nil
	}
	return t.Shape
}

// TensorShapeProto is a possibly partially known shape.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

func (s *TensorShapeProto) GetDim() []*TensorShapeProto_Dimension {
	if s == nil {
		return nil
	}
	return s.Dim
}

// TensorShapeProto_Dimension is either a fixed size or a symbolic name.
type TensorShapeProto_Dimension struct {
	DimValue int64
	DimParam string
	HasValue bool
}

func (d *TensorShapeProto_Dimension) GetDimValue() int64 {
	if d == nil {
		return 0
	}
	return d.DimValue
}

func (d *TensorShapeProto_Dimension) GetDimParam() string {
	if d == nil {
		return ""
	}
	return d.DimParam
}
