// Package parser is the entry point for turning a serialized ONNX model into
// a network. A Parser decodes the model, checks which nodes the importer
// registry can handle, imports the graph into its network, and keeps the
// diagnostics and refit map of the last call.
//
// Diagnostics returned by Error stay valid until ClearErrors. The refit map
// returned by RefitMap is replaced by the next parse call. A Parser is not
// safe for concurrent use.
package parser

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/pkg/converter"
	"github.com/zerfoo/zparse/pkg/diag"
	"github.com/zerfoo/zparse/pkg/graph"
	_ "github.com/zerfoo/zparse/pkg/importer/layers" // registers the built-in importers
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/partition"
	"github.com/zerfoo/zparse/pkg/refit"
	"github.com/zerfoo/zparse/pkg/registry"
)

const (
	Major = 0
	Minor = 1
	Patch = 0
)

// Version identifies the parser API. Callers pass the version they were
// built against to New.
const Version = Major*10000 + Minor*100 + Patch

// GetVersion returns Version.
func GetVersion() int { return Version }

// Option configures a Parser.
type Option func(*Parser)

// WithRegistry replaces the built-in importer registry.
func WithRegistry(r *registry.Registry) Option {
	return func(p *Parser) { p.reg = r }
}

// WithBestEffort skips the support check that normally runs before import.
// Nodes are imported until the first failure.
func WithBestEffort(on bool) Option {
	return func(p *Parser) { p.bestEffort = on }
}

// WithPrecision sets the element type float weights are stored in.
func WithPrecision(prec converter.Precision) Option {
	return func(p *Parser) { p.precision = prec }
}

// WithDisabledOps makes the listed op types unsupported.
func WithDisabledOps(ops ...string) Option {
	return func(p *Parser) { p.disabled = append(p.disabled, ops...) }
}

// WithBaseDir sets the directory external tensor data is resolved against
// when no model path is given.
func WithBaseDir(dir string) Option {
	return func(p *Parser) { p.baseDir = dir }
}

// Parser imports ONNX models into one network.
type Parser struct {
	net        network.Network
	log        logrus.FieldLogger
	reg        *registry.Registry
	bestEffort bool
	precision  converter.Precision
	disabled   []string
	baseDir    string

	errs   diag.Collector
	refits []refit.Entry
}

// New returns a parser that imports into net. version must equal Version. A
// nil logger means the logrus standard logger.
func New(net network.Network, logger logrus.FieldLogger, version int, opts ...Option) (*Parser, error) {
	if version != Version {
		return nil, errors.Errorf("parser version %d requested, this library provides %d", version, Version)
	}
	if net == nil {
		return nil, errors.New("parser needs a network")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Parser{net: net, log: logger, reg: registry.Default}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Parse imports a serialized model. modelPath, when set, names the file the
// bytes came from; external tensor data is resolved next to it.
func (p *Parser) Parse(data []byte, modelPath string) error {
	return p.parse(data, modelPath, nil, p.log)
}

// ParseWithWeightDescriptors imports a serialized model whose constants are
// supplied, in part or fully, by weights. A descriptor shadows the
// initializer of the same name.
func (p *Parser) ParseWithWeightDescriptors(data []byte, weights []converter.WeightDescriptor) error {
	return p.parse(data, "", weights, p.log)
}

// ParseFromFile reads and imports the model at path. verbosity selects the
// log level: 1 or less logs errors only, 2 warnings, 3 info, 4 and up debug.
func (p *Parser) ParseFromFile(path string, verbosity int) error {
	log := p.leveled(verbosity)
	data, err := os.ReadFile(path)
	if err != nil {
		p.refits = nil
		return p.record(diag.From(errors.Wrapf(err, "failed to read model file %s", path), diag.ModelDeserializeFailed, diag.NoNode), log)
	}
	return p.parse(data, path, nil, log)
}

// SupportsModel reports whether every node of the serialized model can be
// imported and returns the partition of its nodes into supported and
// unsupported runs. The network is not touched. A model that cannot be
// decoded is unsupported and yields a nil collection.
func (p *Parser) SupportsModel(data []byte, modelPath string) (bool, partition.Collection) {
	log := p.log.WithField("parse_id", uuid.NewString())
	g, err := p.load(data, modelPath, nil)
	if err != nil {
		p.record(err, log)
		return false, nil
	}
	runs := partition.Partition(g, p.oracle(g), func(n *graph.Node, reason string) {
		log.WithFields(logrus.Fields{"node": n.LayerName(), "op": n.OpType}).Debug(reason)
	})
	log.WithField("subgraphs", len(runs)).Debug("Partitioned graph")
	return runs.FullySupported(), runs
}

// SupportsOperator reports whether an importer is registered for op. It does
// not guarantee every node of that type imports.
func (p *Parser) SupportsOperator(op string) bool {
	for _, d := range p.disabled {
		if d == op {
			return false
		}
	}
	return p.reg.Has(op)
}

// NumErrors returns the number of diagnostics recorded since the last
// ClearErrors.
func (p *Parser) NumErrors() int { return p.errs.Count() }

// Error returns diagnostic i. It fails with diag.ErrOutOfRange outside
// [0, NumErrors()).
func (p *Parser) Error(i int) (*diag.ParserError, error) { return p.errs.Get(i) }

// ClearErrors drops every diagnostic.
func (p *Parser) ClearErrors() { p.errs.Clear() }

// RefitMap returns the refit entries of the last successful import.
func (p *Parser) RefitMap() []refit.Entry { return p.refits }

func (p *Parser) oracle(g *graph.Graph) partition.Oracle {
	return p.reg.OracleFor(g, p.disabled...)
}

func (p *Parser) record(e *diag.ParserError, log logrus.FieldLogger) error {
	p.errs.Add(e)
	fields := logrus.Fields{"code": e.Code.String()}
	if e.Node != diag.NoNode {
		fields["node"] = e.Node
	}
	if loc := e.Locator(); loc != "" {
		fields["at"] = loc
	}
	log.WithFields(fields).Error(e.Desc)
	return e
}

// load decodes data and builds its graph. Failures are classified but not
// recorded.
func (p *Parser) load(data []byte, modelPath string, weights []converter.WeightDescriptor) (*graph.Graph, *diag.ParserError) {
	if modelPath != "" && onnx.IsTextFormat(modelPath) {
		return nil, diag.Errorf(diag.ModelDeserializeFailed, "text-format ONNX model %s is not supported", modelPath)
	}
	m, err := onnx.Unmarshal(data)
	if err != nil {
		return nil, diag.From(errors.WithMessage(err, "failed to decode model"), diag.ModelDeserializeFailed, diag.NoNode)
	}
	dir := p.baseDir
	if modelPath != "" {
		dir = filepath.Dir(modelPath)
	}
	opts := []graph.Option{graph.WithBaseDir(dir)}
	if len(weights) > 0 {
		supplied := make(map[string]*graph.Constant, len(weights))
		for _, w := range weights {
			supplied[w.Name] = &graph.Constant{DType: w.DType, Dims: w.Shape, Data: w.Data}
		}
		opts = append(opts, graph.WithSupplied(supplied))
	}
	g, err := graph.FromModel(m, opts...)
	if err != nil {
		return nil, diag.From(err, diag.InvalidGraph, diag.NoNode)
	}
	return g, nil
}

func (p *Parser) parse(data []byte, modelPath string, weights []converter.WeightDescriptor, log logrus.FieldLogger) error {
	p.refits = nil
	log = log.WithField("parse_id", uuid.NewString())

	g, perr := p.load(data, modelPath, weights)
	if perr != nil {
		return p.record(perr, log)
	}
	log = log.WithField("graph", g.Name)
	log.WithFields(logrus.Fields{"nodes": len(g.Nodes), "opset": g.Opset}).Debug("Decoded model")

	if !p.bestEffort {
		var unsupported []*diag.ParserError
		runs := partition.Partition(g, p.oracle(g), func(n *graph.Node, reason string) {
			e := diag.Errorf(diag.UnsupportedNode, "%s (%s): %s", n.LayerName(), n.OpType, reason).AtNode(n.Index)
			unsupported = append(unsupported, e)
		})
		if !runs.FullySupported() {
			for _, e := range unsupported {
				p.record(e, log)
			}
			return errors.Errorf("%d of %d nodes are not supported", len(unsupported), len(g.Nodes))
		}
	}

	m, err := converter.Convert(g, p.net, converter.Options{
		Registry:  p.reg,
		Overrides: weights,
		Precision: p.precision,
		Logger:    log,
	})
	if err != nil {
		return p.record(diag.From(err, diag.UnsupportedNode, diag.NoNode), log)
	}
	p.refits = m.Entries()
	return nil
}

// LevelForVerbosity maps a verbosity on the 1 (errors) to 4 (debug) scale to
// a logrus level.
func LevelForVerbosity(v int) logrus.Level {
	switch {
	case v <= 1:
		return logrus.ErrorLevel
	case v == 2:
		return logrus.WarnLevel
	case v == 3:
		return logrus.InfoLevel
	}
	return logrus.DebugLevel
}

// leveled returns a logger writing where p's logger writes, at the level for
// verbosity. The parser's own logger is left as is.
func (p *Parser) leveled(verbosity int) logrus.FieldLogger {
	var base *logrus.Logger
	var fields logrus.Fields
	switch l := p.log.(type) {
	case *logrus.Logger:
		base = l
	case *logrus.Entry:
		base, fields = l.Logger, l.Data
	default:
		return p.log
	}
	out := &logrus.Logger{
		Out:          base.Out,
		Hooks:        base.Hooks,
		Formatter:    base.Formatter,
		ReportCaller: base.ReportCaller,
		Level:        LevelForVerbosity(verbosity),
		ExitFunc:     base.ExitFunc,
	}
	return out.WithFields(fields)
}
