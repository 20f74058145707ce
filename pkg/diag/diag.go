// Package diag holds the categorised diagnostics produced while parsing a
// model: stable error codes, located errors and the collector that keeps them
// until they are cleared.
package diag

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// ErrorCode categorises a parser failure. The numeric values are stable and
// part of the public contract.
type ErrorCode int

const (
	Success ErrorCode = iota
	InternalError
	MemAllocFailed
	ModelDeserializeFailed
	InvalidValue
	InvalidGraph
	InvalidNode
	UnsupportedGraph
	UnsupportedNode
)

var codeNames = [...]string{
	Success:                "SUCCESS",
	InternalError:          "INTERNAL_ERROR",
	MemAllocFailed:         "MEM_ALLOC_FAILED",
	ModelDeserializeFailed: "MODEL_DESERIALIZE_FAILED",
	InvalidValue:           "INVALID_VALUE",
	InvalidGraph:           "INVALID_GRAPH",
	InvalidNode:            "INVALID_NODE",
	UnsupportedGraph:       "UNSUPPORTED_GRAPH",
	UnsupportedNode:        "UNSUPPORTED_NODE",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// NoNode is the node index of errors raised before per-node processing.
const NoNode = -1

// ParserError is one diagnostic record. File, Line and Func locate the code
// that raised it. Node is the topological index of the offending node, or
// NoNode.
type ParserError struct {
	Code ErrorCode
	Desc string
	File string
	Line int
	Func string
	Node int

	cause error
}

func (e *ParserError) Error() string {
	if e.Node == NoNode {
		return fmt.Sprintf("%s: %s", e.Code, e.Desc)
	}
	return fmt.Sprintf("%s (node %d): %s", e.Code, e.Node, e.Desc)
}

// Unwrap returns the error the diagnostic was built from, if any.
func (e *ParserError) Unwrap() error { return e.cause }

// Locator renders the source location as file:line (func).
func (e *ParserError) Locator() string {
	if e.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d (%s)", e.File, e.Line, e.Func)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Errorf builds a ParserError with code and no node, located at its caller.
func Errorf(code ErrorCode, format string, args ...any) *ParserError {
	e := &ParserError{Code: code, Desc: fmt.Sprintf(format, args...), Node: NoNode}
	// Frame 0 of a fresh stack is Errorf itself.
	if st, ok := errors.New("").(stackTracer); ok {
		frames := st.StackTrace()
		if len(frames) > 1 {
			locate(e, frames[1])
		}
	}
	return e
}

// AtNode returns a copy of e attributed to node.
func (e *ParserError) AtNode(node int) *ParserError {
	c := *e
	c.Node = node
	return &c
}

// From classifies err. A *ParserError anywhere in the chain keeps its code
// and location, gaining node when it has none. Any other error becomes a
// diagnostic with the fallback code, located at the deepest stack trace
// recorded in the chain.
func From(err error, fallback ErrorCode, node int) *ParserError {
	if err == nil {
		return nil
	}
	var pe *ParserError
	if errors.As(err, &pe) {
		c := *pe
		if c.Node == NoNode {
			c.Node = node
		}
		if msg := err.Error(); msg != pe.Error() {
			// Keep the context added by wrappers.
			c.Desc = trimSuffix(msg, pe.Error()) + pe.Desc
		}
		return &c
	}

	e := &ParserError{Code: fallback, Desc: err.Error(), Node: node, cause: err}
	var deepest errors.StackTrace
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if st, ok := cur.(stackTracer); ok {
			deepest = st.StackTrace()
		}
	}
	if len(deepest) > 0 {
		locate(e, deepest[0])
	}
	return e
}

func trimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

func locate(e *ParserError, f errors.Frame) {
	e.File = fmt.Sprintf("%s", f)
	e.Line, _ = strconv.Atoi(fmt.Sprintf("%d", f))
	e.Func = fmt.Sprintf("%n", f)
}
