// Package partition splits a graph's topological node order into maximal
// runs of nodes that share a support verdict.
package partition

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
)

// Oracle decides whether a node can be imported natively. It must not
// modify anything; a reason accompanies unsupported verdicts.
type Oracle interface {
	Supports(n *graph.Node) (bool, string)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(n *graph.Node) (bool, string)

func (f OracleFunc) Supports(n *graph.Node) (bool, string) { return f(n) }

// Reporter receives the reason for every unsupported verdict.
type Reporter func(n *graph.Node, reason string)

// SubGraph is a run of consecutive node indices with one verdict.
type SubGraph struct {
	Nodes     []int `yaml:"nodes"`
	Supported bool  `yaml:"supported"`
}

// First returns the index of the run's first node.
func (s SubGraph) First() int { return s.Nodes[0] }

// Last returns the index of the run's last node.
func (s SubGraph) Last() int { return s.Nodes[len(s.Nodes)-1] }

func (s SubGraph) String() string {
	verdict := "unsupported"
	if s.Supported {
		verdict = "supported"
	}
	if len(s.Nodes) == 0 {
		return verdict + " []"
	}
	return fmt.Sprintf("%s [%d..%d]", verdict, s.First(), s.Last())
}

// Collection is an ordered list of runs covering a graph.
type Collection []SubGraph

// FullySupported is true when the graph is empty or a single supported run
// covers it.
func (c Collection) FullySupported() bool {
	if len(c) == 0 {
		return true
	}
	return len(c) == 1 && c[0].Supported
}

// NodeCount is the number of nodes the runs cover.
func (c Collection) NodeCount() int {
	total := 0
	for _, s := range c {
		total += len(s.Nodes)
	}
	return total
}

// Unsupported returns the indices of nodes in unsupported runs.
func (c Collection) Unsupported() []int {
	var out []int
	for _, s := range c {
		if !s.Supported {
			out = append(out, s.Nodes...)
		}
	}
	return out
}

// Validate checks that c covers node indices 0..n-1 exactly once, in order,
// with every run non-empty and contiguous and no two neighbouring runs
// sharing a verdict.
func (c Collection) Validate(n int) error {
	next := 0
	for i, s := range c {
		if len(s.Nodes) == 0 {
			return errors.Errorf("run %d is empty", i)
		}
		for _, idx := range s.Nodes {
			if idx != next {
				return errors.Errorf("run %d: expected node %d, found %d", i, next, idx)
			}
			next++
		}
		if i > 0 && c[i-1].Supported == s.Supported {
			return errors.Errorf("runs %d and %d share a verdict", i-1, i)
		}
	}
	if next != n {
		return errors.Errorf("runs cover %d of %d nodes", next, n)
	}
	return nil
}

// Partition walks g's nodes in topological order and groups consecutive
// verdicts into runs. An oracle that panics is taken to mean unsupported.
// report, when non-nil, is called for every unsupported node.
func Partition(g *graph.Graph, oracle Oracle, report Reporter) Collection {
	var out Collection
	var cur *SubGraph
	for _, n := range g.Nodes {
		ok, reason := ask(oracle, n)
		if !ok && report != nil {
			report(n, reason)
		}
		if cur == nil || cur.Supported != ok {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &SubGraph{Supported: ok}
		}
		cur.Nodes = append(cur.Nodes, n.Index)
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func ask(oracle Oracle, n *graph.Node) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("capability check panicked: %v", r)
		}
	}()
	return oracle.Supports(n)
}
