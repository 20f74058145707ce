// Package zparse imports ONNX models into zmf networks.
//
// The parser package is the entry point: it decodes a serialized model,
// partitions its nodes by importer support, imports the supported graph into
// a network.Network and records TensorRT-style diagnostics and a refit map.
// The zparse command wraps it for conversion, support checks, inspection,
// refitting and model downloads.
package zparse
