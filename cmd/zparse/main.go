package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/zerfoo/zparse/pkg/config"
	"github.com/zerfoo/zparse/pkg/converter"
	"github.com/zerfoo/zparse/pkg/downloader"
	"github.com/zerfoo/zparse/pkg/importer"
	"github.com/zerfoo/zparse/pkg/inspector"
	"github.com/zerfoo/zparse/pkg/network"
	"github.com/zerfoo/zparse/pkg/parser"
	"github.com/zerfoo/zparse/pkg/partition"
	"github.com/zerfoo/zparse/pkg/refit"
	"github.com/zerfoo/zparse/pkg/zmfio"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errUsage marks errors that are answered with the command's usage.
var errUsage = errors.New("usage")

// run executes one command and returns the process exit code: 0 on success,
// 1 on failure and 2 on a usage error.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "convert":
		err = handleConvert(args[1:], stdout, stderr)
	case "support":
		err = handleSupport(args[1:], stdout, stderr)
	case "ops":
		err = handleOps(stdout)
	case "inspect":
		err = handleInspect(args[1:], stdout, stderr)
	case "refit":
		err = handleRefit(args[1:], stdout, stderr)
	case "download":
		err = handleDownload(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: zparse <command> [arguments]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  convert <input-file.onnx> [-output <output-file.zmf>] [-refit <refit.yaml>] [-fp16] [-best-effort]")
	fmt.Fprintln(w, "  support <input-file.onnx>")
	fmt.Fprintln(w, "  ops")
	fmt.Fprintln(w, "  inspect <input-file> [-type <onnx|zmf>] [-pretty]")
	fmt.Fprintln(w, "  refit <model.zmf> -map <refit.yaml> -weight <name>=<file> ... [-output <output-file.zmf>]")
	fmt.Fprintln(w, "  download -model <huggingface-model-id> [-output <output-directory>] [-api-key <your-api-key> | HF_TOKEN=<your-api-key>]")
	fmt.Fprintln(w, "\nconvert and support accept -config <file.hcl>, -v <1-4> and -log-file <path>.")
}

// commonFlags are shared by the commands that parse models.
type commonFlags struct {
	config    string
	verbosity int
	logFile   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "HCL configuration file")
	fs.IntVar(&c.verbosity, "v", 0, "Verbosity: 1 errors, 2 warnings, 3 info, 4 debug (default from config)")
	fs.StringVar(&c.logFile, "log-file", "", "Append logs to this file instead of stderr")
}

// setup loads the configuration and builds the logger. The returned closer
// releases the log file.
func (c *commonFlags) setup(modelPath string, stderr io.Writer) (*config.Config, *logrus.Logger, func(), error) {
	cfg := config.Default()
	if c.config != "" {
		var err error
		if cfg, err = config.Load(c.config, filepath.Dir(modelPath)); err != nil {
			return nil, nil, nil, err
		}
	}
	if c.verbosity > 0 {
		cfg.LogLevel = parser.LevelForVerbosity(c.verbosity)
	}

	out, closer := stderr, func() {}
	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "failed to open log file")
		}
		out = f
		closer = func() {
			if cerr := f.Close(); cerr != nil {
				fmt.Fprintf(stderr, "Error closing log file: %v\n", cerr)
			}
		}
	}
	return cfg, cfg.Logger(out), closer, nil
}

// parseArgs parses flags before and after the single positional input file.
// The flag package has already reported a bad flag when errUsage comes back.
func parseArgs(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", errUsage
	}
	input := fs.Arg(0)
	if fs.NArg() > 1 {
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return "", errUsage
		}
	}
	if input == "" {
		fmt.Fprintf(fs.Output(), "Error: Input file is required for '%s' command.\n", fs.Name())
		fs.Usage()
		return "", errUsage
	}
	return input, nil
}

func printDiagnostics(w io.Writer, p *parser.Parser) {
	for i := 0; i < p.NumErrors(); i++ {
		e, err := p.Error(i)
		if err != nil {
			break
		}
		if loc := e.Locator(); loc != "" {
			fmt.Fprintf(w, "  %v [%s]\n", e, loc)
			continue
		}
		fmt.Fprintf(w, "  %v\n", e)
	}
}

// refitManifest is the YAML form of a refit map.
type refitManifest struct {
	Model   string        `yaml:"model"`
	Weights []refit.Entry `yaml:"weights"`
}

func handleConvert(args []string, stdout, stderr io.Writer) error {
	convertCmd := flag.NewFlagSet("convert", flag.ContinueOnError)
	convertCmd.SetOutput(stderr)
	outputFile := convertCmd.String("output", "", "Path for the converted ZMF file. (optional)")
	refitFile := convertCmd.String("refit", "", "Write the refit map as YAML to this file. (optional)")
	fp16 := convertCmd.Bool("fp16", false, "Store float weights as float16")
	bestEffort := convertCmd.Bool("best-effort", false, "Import nodes until the first failure instead of checking support first")
	var common commonFlags
	common.register(convertCmd)

	inputFile, err := parseArgs(convertCmd, args)
	if err != nil {
		return err
	}
	if *outputFile == "" {
		*outputFile = strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile)) + ".zmf"
	}

	cfg, logger, closeLog, err := common.setup(inputFile, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := cfg.ParserOptions()
	if *fp16 {
		opts = append(opts, parser.WithPrecision(converter.PrecisionFP16))
	}
	if *bestEffort {
		opts = append(opts, parser.WithBestEffort(true))
	}
	opts = append(opts, parser.WithBaseDir(filepath.Dir(inputFile)))

	net := network.NewZMF(cfg.NetworkOptions()...)
	p, err := parser.New(net, logger, parser.Version, opts...)
	if err != nil {
		return err
	}

	weights, err := cfg.WeightDescriptors()
	if err != nil {
		return err
	}
	if len(weights) > 0 {
		data, rerr := os.ReadFile(inputFile)
		if rerr != nil {
			return errors.Wrap(rerr, "failed to read ONNX file")
		}
		err = p.ParseWithWeightDescriptors(data, weights)
	} else {
		err = p.ParseFromFile(inputFile, verbosityOf(logger.GetLevel()))
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to convert %s:\n", inputFile)
		printDiagnostics(stderr, p)
		return errors.WithMessage(err, "conversion failed")
	}

	if err := net.Err(); err != nil {
		return errors.WithMessage(err, "network definition is incomplete")
	}
	if err := zmfio.Save(net.Model(), *outputFile); err != nil {
		return err
	}
	if *refitFile != "" {
		out, err := yaml.Marshal(refitManifest{Model: *outputFile, Weights: p.RefitMap()})
		if err != nil {
			return errors.Wrap(err, "failed to encode refit map")
		}
		if err := os.WriteFile(*refitFile, out, 0o644); err != nil {
			return errors.Wrap(err, "failed to write refit map")
		}
	}

	fmt.Fprintf(stdout, "Successfully converted and saved model to: %s\n", *outputFile)
	return nil
}

// verbosityOf maps a logger level back to the verbosity scale.
func verbosityOf(level logrus.Level) int {
	switch {
	case level <= logrus.ErrorLevel:
		return 1
	case level == logrus.WarnLevel:
		return 2
	case level == logrus.InfoLevel:
		return 3
	}
	return 4
}

// supportReport is the YAML answer of the support command.
type supportReport struct {
	Model          string               `yaml:"model"`
	FullySupported bool                 `yaml:"fully_supported"`
	Subgraphs      partition.Collection `yaml:"subgraphs"`
}

func handleSupport(args []string, stdout, stderr io.Writer) error {
	supportCmd := flag.NewFlagSet("support", flag.ContinueOnError)
	supportCmd.SetOutput(stderr)
	var common commonFlags
	common.register(supportCmd)

	inputFile, err := parseArgs(supportCmd, args)
	if err != nil {
		return err
	}
	cfg, logger, closeLog, err := common.setup(inputFile, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	p, err := parser.New(network.NewZMF(), logger, parser.Version, cfg.ParserOptions()...)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return errors.Wrap(err, "failed to read ONNX file")
	}
	ok, runs := p.SupportsModel(data, inputFile)
	if p.NumErrors() > 0 {
		fmt.Fprintf(stderr, "Failed to read %s:\n", inputFile)
		printDiagnostics(stderr, p)
		return errors.New("model could not be checked")
	}

	out, err := yaml.Marshal(supportReport{Model: inputFile, FullySupported: ok, Subgraphs: runs})
	if err != nil {
		return errors.Wrap(err, "failed to encode support report")
	}
	_, err = stdout.Write(out)
	return err
}

func handleOps(stdout io.Writer) error {
	for _, op := range importer.SupportedOps() {
		fmt.Fprintln(stdout, op)
	}
	return nil
}

func handleInspect(args []string, stdout, stderr io.Writer) error {
	inspectCmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	inspectCmd.SetOutput(stderr)
	fileType := inspectCmd.String("type", "", "Type of model to inspect: 'onnx' or 'zmf'")
	prettyPrint := inspectCmd.Bool("pretty", false, "Print a ZMF model in full as JSON")

	inputFile, err := parseArgs(inspectCmd, args)
	if err != nil {
		return err
	}

	// Determine file type
	detectedType := strings.ToLower(*fileType)
	if detectedType == "" {
		ext := strings.ToLower(filepath.Ext(inputFile))
		switch ext {
		case ".onnx":
			detectedType = "onnx"
		case ".zmf":
			detectedType = "zmf"
		default:
			fmt.Fprintf(stderr, "Error: Could not infer file type from extension '%s'. Please specify -type flag.\n", ext)
			inspectCmd.Usage()
			return errUsage
		}
	}

	switch detectedType {
	case "onnx":
		return inspector.InspectONNX(stdout, inputFile, importer.Registry())
	case "zmf":
		if !*prettyPrint {
			return inspector.InspectZMF(stdout, inputFile)
		}
		model, err := zmfio.Load(inputFile)
		if err != nil {
			return err
		}
		out, err := zmfio.Pretty(model)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, string(out))
		return err
	}
	fmt.Fprintf(stderr, "Error: Unsupported model type '%s'. Must be 'onnx' or 'zmf'.\n", detectedType)
	inspectCmd.Usage()
	return errUsage
}

// weightFlags collects repeated -weight name=file flags.
type weightFlags map[string]string

func (w weightFlags) String() string {
	parts := make([]string, 0, len(w))
	for k, v := range w {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (w weightFlags) Set(s string) error {
	name, file, ok := strings.Cut(s, "=")
	if !ok || name == "" || file == "" {
		return errors.Errorf("expected <name>=<file>, got %q", s)
	}
	w[name] = file
	return nil
}

func handleRefit(args []string, stdout, stderr io.Writer) error {
	refitCmd := flag.NewFlagSet("refit", flag.ContinueOnError)
	refitCmd.SetOutput(stderr)
	mapFile := refitCmd.String("map", "", "Refit map written by 'convert -refit'")
	outputFile := refitCmd.String("output", "", "Path for the refitted ZMF file (default: overwrite the input)")
	weights := weightFlags{}
	refitCmd.Var(weights, "weight", "Replacement weight as <refit-name>=<raw little-endian file>; repeatable")

	inputFile, err := parseArgs(refitCmd, args)
	if err != nil {
		return err
	}
	if *mapFile == "" || len(weights) == 0 {
		fmt.Fprintln(stderr, "Error: -map and at least one -weight are required for 'refit' command.")
		refitCmd.Usage()
		return errUsage
	}
	if *outputFile == "" {
		*outputFile = inputFile
	}

	raw, err := os.ReadFile(*mapFile)
	if err != nil {
		return errors.Wrap(err, "failed to read refit map")
	}
	var manifest refitManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return errors.Wrap(err, "failed to decode refit map")
	}

	updates := make(map[string][]byte, len(weights))
	for name, file := range weights {
		data, err := os.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "failed to read weight %s", name)
		}
		updates[name] = data
	}

	model, err := zmfio.Load(inputFile)
	if err != nil {
		return err
	}
	if err := refit.Apply(model, manifest.Weights, updates); err != nil {
		return err
	}
	if err := zmfio.Save(model, *outputFile); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Refitted %d weights into: %s\n", len(updates), *outputFile)
	return nil
}

func handleDownload(args []string, stdout, stderr io.Writer) error {
	downloadCmd := flag.NewFlagSet("download", flag.ContinueOnError)
	downloadCmd.SetOutput(stderr)
	modelID := downloadCmd.String("model", "", "HuggingFace model ID (e.g., 'onnx-community/resnet-18')")
	outputPath := downloadCmd.String("output", ".", "Output directory for downloaded files")
	cliAPIKey := downloadCmd.String("api-key", "", "Optional HuggingFace API key for authenticated downloads")
	revision := downloadCmd.String("revision", "main", "Branch, tag or commit to download")
	file := downloadCmd.String("file", "", "Model file to pick when the repository holds several")
	verbosity := downloadCmd.Int("v", 3, "Verbosity: 1 errors, 2 warnings, 3 info, 4 debug")

	if err := downloadCmd.Parse(args); err != nil {
		return errUsage
	}
	if *modelID == "" {
		fmt.Fprintln(stderr, "Error: -model flag is required for 'download' command.")
		downloadCmd.Usage()
		return errUsage
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(parser.LevelForVerbosity(*verbosity))

	opts := []downloader.Option{
		downloader.WithRevision(*revision),
		downloader.WithFile(*file),
		downloader.WithLogger(logger),
	}
	if *cliAPIKey != "" {
		opts = append(opts, downloader.WithToken(*cliAPIKey))
	}
	d := downloader.NewDownloader(downloader.NewHuggingFaceSource(opts...))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(stdout, "Downloading model '%s' to '%s'...\n", *modelID, *outputPath)
	result, err := d.Download(ctx, *modelID, *outputPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Successfully downloaded model to: %s\n", result.ModelPath)
	for _, p := range result.DataPaths {
		fmt.Fprintf(stdout, "  - external data: %s\n", p)
	}
	for _, p := range result.ConfigPaths {
		fmt.Fprintf(stdout, "  - config: %s\n", p)
	}
	return nil
}
