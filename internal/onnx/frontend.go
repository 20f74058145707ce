package onnx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// textExtensions are file suffixes used for the protobuf text encoding of ONNX
// models. Those files are not accepted.
var textExtensions = []string{".pbtxt", ".prototxt", ".onnxtxt", ".txt"}

// IsTextFormat reports whether path names a text-encoded model.
func IsTextFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range textExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadFile reads and decodes a binary ONNX model file.
func LoadFile(path string) (*ModelProto, error) {
	if IsTextFormat(path) {
		return nil, errors.Errorf("text-format ONNX model %s is not supported", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return Unmarshal(data)
}

// ExternalLocation is the parsed external_data entry list of a tensor.
type ExternalLocation struct {
	Location string
	Offset   int64
	Length   int64
}

// ParseExternalData reads the location, offset and length keys of a tensor's
// external_data entries.
func ParseExternalData(tensor *TensorProto) (ExternalLocation, error) {
	var loc ExternalLocation
	for _, entry := range tensor.GetExternalData() {
		value := entry.GetValue()
		switch entry.GetKey() {
		case "location":
			loc.Location = value
		case "offset":
			if value == "" {
				continue
			}
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return loc, errors.Errorf("invalid offset value: %s", value)
			}
			loc.Offset = v
		case "length":
			if value == "" {
				continue
			}
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return loc, errors.Errorf("invalid length value: %s", value)
			}
			loc.Length = v
		}
	}
	if loc.Location == "" {
		return loc, errors.New("external data location not specified")
	}
	return loc, nil
}

// ReadExternalData loads the bytes of a tensor stored outside the model file.
// The location must be a local path below baseDir, the directory of the
// model. A zero length reads to the end of the file.
func ReadExternalData(tensor *TensorProto, baseDir string) ([]byte, error) {
	loc, err := ParseExternalData(tensor)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tensor.GetName())
	}
	if !filepath.IsLocal(loc.Location) {
		return nil, errors.Errorf("tensor %q: external data location %q is outside the model directory", tensor.GetName(), loc.Location)
	}
	data, err := ReadRange(filepath.Join(baseDir, loc.Location), loc.Offset, loc.Length)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tensor.GetName())
	}
	return data, nil
}

// ReadRange reads length bytes at offset from the file at path. A zero length
// reads to the end of the file.
func ReadRange(path string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("negative offset %d or length %d", offset, length)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open external data file %s", path)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat external data file %s", path)
	}
	size := info.Size()
	if offset > size {
		return nil, errors.Errorf("offset %d exceeds file size %d", offset, size)
	}
	if length > size-offset {
		return nil, errors.Errorf("%d bytes at offset %d exceed file size %d", length, offset, size)
	}
	if length == 0 {
		length = size - offset
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(file, offset, length), data); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d bytes from external file", length)
	}
	return data, nil
}
