// Package inspector prints summaries of ONNX and ZMF model files.
package inspector

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/importer"
	"github.com/zerfoo/zparse/pkg/partition"
	"github.com/zerfoo/zparse/pkg/registry"
	"github.com/zerfoo/zparse/pkg/zmfio"
)

// InspectONNX writes a summary of the ONNX model at inputFile to w: its
// interface, operator histogram and which nodes reg can import.
func InspectONNX(w io.Writer, inputFile string, reg *registry.Registry) error {
	fmt.Fprintf(w, "Inspecting ONNX model from: %s\n", inputFile)

	g, err := importer.LoadGraph(inputFile)
	if err != nil {
		return errors.WithMessage(err, "failed to load ONNX model")
	}

	fmt.Fprintf(w, "Successfully loaded model with IR version: %d\n", g.IRVersion)
	if g.ProducerName != "" {
		fmt.Fprintf(w, "Producer: %s %s\n", g.ProducerName, g.ProducerVersion)
	}
	fmt.Fprintf(w, "Opset version: %d\n", g.Opset)
	fmt.Fprintf(w, "Graph has %d nodes.\n", len(g.Nodes))

	for _, in := range g.Inputs {
		fmt.Fprintf(w, "Input: %s %s %s\n", in.Name, in.DType, in.Shape)
	}
	for _, out := range g.Outputs {
		fmt.Fprintf(w, "Output: %s\n", out)
	}
	var size int
	for _, init := range g.Initializers() {
		size += len(init.Value.Data)
	}
	fmt.Fprintf(w, "Graph has %d initializers (%d bytes).\n", len(g.Initializers()), size)

	counts := make(map[string]int)
	for _, n := range g.Nodes {
		counts[n.OpType]++
	}
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	fmt.Fprintln(w, "\nOperators:")
	for _, op := range ops {
		fmt.Fprintf(w, "- %s: %d\n", op, counts[op])
	}

	if reg == nil {
		reg = registry.Default
	}
	reasons := make(map[int]string)
	runs := partition.Partition(g, reg.OracleFor(g), func(n *graph.Node, reason string) {
		reasons[n.Index] = reason
	})
	total := runs.NodeCount()
	fmt.Fprintf(w, "\nSupport: %d of %d nodes supported in %d runs.\n", total-len(runs.Unsupported()), total, len(runs))
	for _, run := range runs {
		fmt.Fprintf(w, "- %s\n", run)
		if run.Supported {
			continue
		}
		for _, i := range run.Nodes {
			n := g.Nodes[i]
			fmt.Fprintf(w, "    %d %s (%s): %s\n", i, n.LayerName(), n.OpType, reasons[i])
		}
	}
	return nil
}

// InspectZMF writes a summary of the ZMF model at inputFile to w.
func InspectZMF(w io.Writer, inputFile string) error {
	fmt.Fprintf(w, "Inspecting ZMF model from: %s\n", inputFile)

	model, err := zmfio.Load(inputFile)
	if err != nil {
		return errors.WithMessage(err, "failed to load ZMF model")
	}
	zmfio.Summarize(w, model)

	stats, err := zmfio.ParamStats(model)
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		fmt.Fprintln(w, "\nParameters:")
	}
	for _, s := range stats {
		fmt.Fprintf(w, "- %s: %s %v (%d bytes)", s.Name, s.Type, s.Shape, s.Bytes)
		if s.DType.IsFloat() {
			fmt.Fprintf(w, " min=%g max=%g mean=%g", s.Min, s.Max, s.Mean)
		}
		fmt.Fprintln(w)
	}
	return nil
}
