// Package config loads zparse settings from an HCL file.
//
//	log_level        = "info"
//	log_format       = "text"
//	best_effort      = false
//	weight_precision = "fp32"
//	disabled_ops     = ["Softmax"]
//
//	producer {
//	  name    = "zparse"
//	  version = "0.1.0"
//	}
//
//	weight "conv1.weight" {
//	  file  = "${model_dir}/conv1.bin"
//	  dtype = "float32"
//	  shape = [8, 3, 3, 3]
//	}
//
// Expressions may use model_dir, the directory of the model being converted,
// and config_dir, the directory of the configuration file.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zclconf/go-cty/cty"

	"github.com/zerfoo/zparse/internal/onnx"
	"github.com/zerfoo/zparse/pkg/converter"
	"github.com/zerfoo/zparse/pkg/graph"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/parser"
)

// hclFile is the decoding schema of a configuration file.
type hclFile struct {
	LogLevel        string       `hcl:"log_level,optional"`
	LogFormat       string       `hcl:"log_format,optional"`
	BestEffort      bool         `hcl:"best_effort,optional"`
	WeightPrecision string       `hcl:"weight_precision,optional"`
	DisabledOps     []string     `hcl:"disabled_ops,optional"`
	Producer        *hclProducer `hcl:"producer,block"`
	Weights         []*hclWeight `hcl:"weight,block"`
}

type hclProducer struct {
	Name    string `hcl:"name,optional"`
	Version string `hcl:"version,optional"`
}

type hclWeight struct {
	Name   string  `hcl:"name,label"`
	File   string  `hcl:"file"`
	DType  string  `hcl:"dtype,optional"`
	Shape  []int64 `hcl:"shape,optional"`
	Offset int64   `hcl:"offset,optional"`
	Length int64   `hcl:"length,optional"`
}

// Weight names a model constant whose value is read from a file.
type Weight struct {
	Name  string
	File  string
	DType graph.DataType
	// Shape may be nil, in which case the model constant's shape is kept.
	Shape  []int64
	Offset int64
	// Length 0 reads to the end of the file.
	Length int64
}

// Config is a validated configuration.
type Config struct {
	LogLevel        logrus.Level
	LogFormat       string
	BestEffort      bool
	Precision       converter.Precision
	DisabledOps     []string
	ProducerName    string
	ProducerVersion string
	Weights         []Weight
}

// Default returns the settings used without a configuration file.
func Default() *Config {
	return &Config{
		LogLevel:        logrus.InfoLevel,
		LogFormat:       "text",
		Precision:       converter.PrecisionFP32,
		ProducerName:    "zparse",
		ProducerVersion: "0.1.0",
	}
}

// Load reads the configuration file at path. modelDir is exposed to
// expressions as model_dir.
func Load(path, modelDir string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return Parse(src, path, modelDir)
}

// Parse decodes configuration source. filename is used in diagnostics and
// its directory is exposed as config_dir.
func Parse(src []byte, filename, modelDir string) (*Config, error) {
	p := hclparse.NewParser()
	file, diags := p.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse config file %s", filename)
	}

	configDir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve config directory")
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"model_dir":  cty.StringVal(modelDir),
			"config_dir": cty.StringVal(configDir),
		},
	}

	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, ctx, &raw); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode config file %s", filename)
	}
	return raw.resolve(configDir)
}

func (f *hclFile) resolve(configDir string) (*Config, error) {
	c := Default()
	if f.LogLevel != "" {
		level, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "log_level")
		}
		c.LogLevel = level
	}
	switch f.LogFormat {
	case "":
	case "text", "json":
		c.LogFormat = f.LogFormat
	default:
		return nil, errors.Errorf("log_format must be text or json, got %q", f.LogFormat)
	}
	prec, err := converter.ParsePrecision(f.WeightPrecision)
	if err != nil {
		return nil, errors.WithMessage(err, "weight_precision")
	}
	c.Precision = prec
	c.BestEffort = f.BestEffort
	c.DisabledOps = f.DisabledOps
	if f.Producer != nil {
		if f.Producer.Name != "" {
			c.ProducerName = f.Producer.Name
		}
		if f.Producer.Version != "" {
			c.ProducerVersion = f.Producer.Version
		}
	}

	seen := make(map[string]bool)
	for _, w := range f.Weights {
		if seen[w.Name] {
			return nil, errors.Errorf("weight %q is configured twice", w.Name)
		}
		seen[w.Name] = true

		dtype := graph.Float
		if w.DType != "" {
			if dtype, err = graph.ParseDataType(w.DType); err != nil {
				return nil, errors.WithMessagef(err, "weight %q", w.Name)
			}
		}
		if w.Offset < 0 || w.Length < 0 {
			return nil, errors.Errorf("weight %q: offset and length must not be negative", w.Name)
		}
		file := w.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(configDir, file)
		}
		c.Weights = append(c.Weights, Weight{
			Name:   w.Name,
			File:   file,
			DType:  dtype,
			Shape:  w.Shape,
			Offset: w.Offset,
			Length: w.Length,
		})
	}
	return c, nil
}

// WeightDescriptors reads every configured weight file.
func (c *Config) WeightDescriptors() ([]converter.WeightDescriptor, error) {
	out := make([]converter.WeightDescriptor, 0, len(c.Weights))
	for _, w := range c.Weights {
		data, err := onnx.ReadRange(w.File, w.Offset, w.Length)
		if err != nil {
			return nil, errors.WithMessagef(err, "weight %q", w.Name)
		}
		out = append(out, converter.WeightDescriptor{Name: w.Name, DType: w.DType, Shape: w.Shape, Data: data})
	}
	return out, nil
}

// ParserOptions returns the parser options the configuration selects.
func (c *Config) ParserOptions() []parser.Option {
	opts := []parser.Option{
		parser.WithBestEffort(c.BestEffort),
		parser.WithPrecision(c.Precision),
	}
	if len(c.DisabledOps) > 0 {
		opts = append(opts, parser.WithDisabledOps(c.DisabledOps...))
	}
	return opts
}

// NetworkOptions returns the options for the ZMF network.
func (c *Config) NetworkOptions() []network.ZMFOption {
	return []network.ZMFOption{network.WithProducer(c.ProducerName, c.ProducerVersion)}
}

// Logger returns a logger writing to out with the configured level and
// format.
func (c *Config) Logger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(c.LogLevel)
	if strings.EqualFold(c.LogFormat, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return l
}
