// Command reactive-tools builds, deploys, attests, connects, and registers
// the periodic events of a reactive network of trusted software modules
// spread across Sancus, SGX, native, and TrustZone nodes.
//
// Usage:
//
//	reactive-tools build   [--mode debug|release] [--workspace dir] [--module name] <config>
//	reactive-tools deploy   [--mode debug|release] [--workspace dir] [--result file] [--output json|yaml] [--deploy-in-order] [--module name] <config>
//	reactive-tools attest   [--result file] [--output json|yaml] [--module name] <config>
//	reactive-tools connect  [--result file] [--output json|yaml] [--connection name] <config>
//	reactive-tools register [--result file] [--output json|yaml] [--event name] <config>
//	reactive-tools call     --module name --entry name [--arg hex] <config>
//	reactive-tools output   --connection name [--arg hex] [--result file] <config>
//	reactive-tools request  --connection name [--arg hex] [--result file] <config>
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	appconfig "github.com/sepidehpouyan/reactive-tools/internal/config"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/logging"
	"github.com/sepidehpouyan/reactive-tools/internal/orchestrator"
	"github.com/sepidehpouyan/reactive-tools/internal/orchestrator/metrics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	env, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	verbose, debug := scanGlobalFlags(args)
	level := env.LogLevel
	if verbose || debug {
		level = logging.LevelForVerbosity(verbose, debug)
	}
	logging.InitDefault(level, env.LogFormat)

	if env.MetricsEnabled {
		serveMetrics(env.MetricsAddr)
	}

	var runErr error
	switch cmd {
	case "build":
		runErr = runBuild(args)
	case "deploy":
		runErr = runDeploy(args)
	case "attest":
		runErr = runAttest(args)
	case "connect":
		runErr = runConnect(args)
	case "register":
		runErr = runRegister(args)
	case "call":
		runErr = runCall(args)
	case "output":
		runErr = runOutput(args)
	case "request":
		runErr = runRequest(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if runErr != nil {
		handleError(runErr, debug)
	}
}

// scanGlobalFlags looks for --verbose/--debug ahead of dispatch, so the
// logger can be configured before any subcommand (and the Orchestrator it
// constructs) captures logging.Default().
func scanGlobalFlags(args []string) (verbose, debug bool) {
	for _, a := range args {
		switch a {
		case "--verbose":
			verbose = true
		case "--debug":
			debug = true
		}
	}
	return verbose, debug
}

func printUsage() {
	fmt.Println(`reactive-tools - deploy and interconnect trusted software modules

Usage:
  reactive-tools build   [--mode debug|release] [--workspace dir] [--module name] <config>
  reactive-tools deploy  [--mode debug|release] [--workspace dir] [--result file] [--output json|yaml] [--deploy-in-order] [--module name] <config>
  reactive-tools attest  [--result file] [--output json|yaml] [--module name] <config>
  reactive-tools connect [--result file] [--output json|yaml] [--connection name] <config>
  reactive-tools register [--result file] [--output json|yaml] [--event name] <config>
  reactive-tools call    --module name --entry name [--arg hex] <config>
  reactive-tools output  --connection name [--arg hex] [--result file] <config>
  reactive-tools request --connection name [--arg hex] [--result file] <config>

Every subcommand also accepts --verbose and --debug.

Environment variables:
  REACTIVE_TOOLS_LOG_LEVEL      default log level when --verbose/--debug aren't passed
  REACTIVE_TOOLS_LOG_FORMAT     "text" or "json"
  REACTIVE_TOOLS_METRICS_ENABLED  expose Prometheus metrics over HTTP
  REACTIVE_TOOLS_METRICS_ADDR     address to serve metrics on (default :9090)`)
}

// handleError logs a run's failure and exits nonzero, mirroring cli.py's
// main(): re-raise (panic) under --debug, otherwise log and exit 1.
func handleError(err error, debug bool) {
	if debug {
		panic(err)
	}
	if appErr, ok := err.(*apperrors.Error); ok {
		logging.Default().WithField("code", appErr.Code).Error(appErr.Message)
	} else {
		logging.Default().Error(err.Error())
	}
	os.Exit(1)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Global().Handler())
	go http.ListenAndServe(addr, mux)
}

func parseArg(hexArg string) ([]byte, error) {
	if hexArg == "" {
		return nil, nil
	}
	return hex.DecodeString(hexArg)
}

func loadConfig(path string) (*descriptor.Config, error) {
	return descriptor.Load(path)
}

func outputFormat(s string) (*descriptor.Format, error) {
	if s == "" {
		return nil, nil
	}
	f, err := descriptor.ParseFormat(s)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func newOrchestrator(cfg *descriptor.Config, mode, workspace, result, output string) (*orchestrator.Orchestrator, error) {
	m, err := buildctx.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	bc := buildctx.New(m, workspace, "")

	orch, err := orchestrator.New(cfg, bc)
	if err != nil {
		return nil, err
	}
	if result != "" {
		orch.ResultPath = result
	} else {
		orch.ResultPath = cfg.Path
	}
	format, err := outputFormat(output)
	if err != nil {
		return nil, err
	}
	orch.Format = format
	return orch, nil
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	mode := fs.String("mode", "debug", `build mode of modules, "debug" or "release"`)
	workspace := fs.String("workspace", ".", "root directory containing modules and the config file")
	module := fs.String("module", "", "module to build (all, if unset)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("build: missing config file argument")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, *mode, *workspace, "", "")
	if err != nil {
		return err
	}
	m, err := buildctx.ParseMode(*mode)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Build(ctx, buildctx.New(m, *workspace, ""), *module); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	mode := fs.String("mode", "debug", `build mode of modules, "debug" or "release"`)
	workspace := fs.String("workspace", ".", "root directory containing modules and the config file")
	result := fs.String("result", "", "file to write the resulting configuration to")
	inOrder := fs.Bool("deploy-in-order", false, "deploy modules in the order they're found in the config file")
	output := fs.String("output", "", "output file type, json or yaml")
	module := fs.String("module", "", "module to deploy (all undeployed, if unset)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("deploy: missing config file argument")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, *mode, *workspace, *result, *output)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Deploy(ctx, *module, *inOrder); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runAttest(args []string) error {
	fs := flag.NewFlagSet("attest", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	result := fs.String("result", "", "file to write the resulting configuration to")
	output := fs.String("output", "", "output file type, json or yaml")
	module := fs.String("module", "", "module to attest (all unattested, if unset)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("attest: missing config file argument")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", *result, *output)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Attest(ctx, *module); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	result := fs.String("result", "", "file to write the resulting configuration to")
	output := fs.String("output", "", "output file type, json or yaml")
	conn := fs.String("connection", "", "connection to establish (all unestablished, if unset)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("connect: missing config file argument")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", *result, *output)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Connect(ctx, *conn); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	result := fs.String("result", "", "file to write the resulting configuration to")
	output := fs.String("output", "", "output file type, json or yaml")
	event := fs.String("event", "", "periodic event to register (all unregistered, if unset)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("register: missing config file argument")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", *result, *output)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Register(ctx, *event); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	module := fs.String("module", "", "name of the module to call")
	entry := fs.String("entry", "", "name of the module's entry point to call")
	arg := fs.String("arg", "", "argument to pass to the entry point (hex byte array)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("call: missing config file argument")
	}
	if *module == "" || *entry == "" {
		return fmt.Errorf("call: --module and --entry are required")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", "", "")
	if err != nil {
		return err
	}
	argBytes, err := parseArg(*arg)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if _, err := orch.Call(ctx, *module, *entry, argBytes); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runOutput(args []string) error {
	fs := flag.NewFlagSet("output", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	conn := fs.String("connection", "", "id or name of the connection")
	arg := fs.String("arg", "", "argument to pass to the output (hex byte array)")
	result := fs.String("result", "", "file to write the resulting configuration to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("output: missing config file argument")
	}
	if *conn == "" {
		return fmt.Errorf("output: --connection is required")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", *result, "")
	if err != nil {
		return err
	}
	argBytes, err := parseArg(*arg)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if err := orch.Output(ctx, *conn, argBytes); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}

func runRequest(args []string) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	fs.Bool("verbose", false, "verbose output")
	fs.Bool("debug", false, "debug output")
	conn := fs.String("connection", "", "id or name of the connection")
	arg := fs.String("arg", "", "argument to pass to the request (hex byte array)")
	result := fs.String("result", "", "file to write the resulting configuration to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("request: missing config file argument")
	}
	if *conn == "" {
		return fmt.Errorf("request: --connection is required")
	}

	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, "debug", ".", *result, "")
	if err != nil {
		return err
	}
	argBytes, err := parseArg(*arg)
	if err != nil {
		return err
	}

	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if _, err := orch.Request(ctx, *conn, argBytes); err != nil {
		return err
	}
	return orch.Cleanup(ctx)
}
