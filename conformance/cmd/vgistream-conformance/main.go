// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command vgistream-conformance is a stream worker with the conformance
// fixture transforms linked in, plus developer subcommands for packing
// capsules and feeding Arrow files through a worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/Query-farm/vgi-stream/conformance"
	"github.com/Query-farm/vgi-stream/internal/config"
	"github.com/Query-farm/vgi-stream/internal/logging"
	"github.com/Query-farm/vgi-stream/vgistream"
)

const (
	exitSession = 1
	exitConfig  = 2
)

// exitError carries the process exit status for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: exitConfig, err: err} }

var exampleUsage = strings.TrimSpace(`
  vgistream-conformance --transform sum --params '{"column":"v"}'
  vgistream-conformance format=tsv types=int64,double
  vgistream-conformance pack --transform head --params '{"n":3}' --output head.feather
  vgistream-conformance feed --input data.feather --capsule head.feather -- vgistream-conformance
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRegistry() *vgistream.Registry {
	r := vgistream.NewRegistry()
	conformance.RegisterTransforms(r)
	return r
}

func main() {
	logging.InitFromEnv()

	root := newRootCommand()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		code := exitSession
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		logging.L().Error("exit", "err", err, "code", code)
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "vgistream-conformance [key=value ...]",
		Short: "Chunked stream worker with the conformance fixture transforms",
		Long: strings.TrimSpace(`
Runs one stream session on stdin/stdout. Frames are 8-byte little-endian
lengths followed by an encoded table chunk; a zero length ends the input.
Without --transform the first frame must carry a transform capsule.

Settings come from, in increasing priority: defaults, --config, VGISTREAM_*
environment variables, key=value arguments and explicit flags.`),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, cfgPath, args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "configuration file (.yaml, .yml or .toml)")
	pf.String("format", "", "table codec: feather, arrow or tsv")
	pf.String("compression", "", "Arrow body compression on encode: zstd or lz4")
	pf.String("types", "", "comma-separated column types, e.g. int64,double,string")
	pf.String("names", "", "comma-separated column names (default a0..aN-1)")
	pf.Bool("validate-schema", false, "reject input chunks that do not match --types/--names")
	pf.String("capsule-key", "", "HMAC key required on transform capsules")
	pf.Uint64("max-frame-bytes", 0, "largest accepted frame payload")
	pf.Bool("debug-errors", false, "log failure details with a short stack")
	pf.String("worker-id", "", "identifier reported in logs and telemetry")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.Bool("log-json", false, "log JSON records instead of text")
	pf.Bool("otel-stdout", false, "export OpenTelemetry traces and metrics to stderr")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")

	workerFlags := func(fs *pflag.FlagSet) {
		fs.String("transform", "", "statically linked transform name")
		fs.String("params", "", "JSON object of transform parameters")
	}
	workerFlags(root.Flags())

	worker := &cobra.Command{
		Use:   "worker [key=value ...]",
		Short: "Run one stream session on stdin/stdout (the default)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, cfgPath, args)
		},
	}
	workerFlags(worker.Flags())

	root.AddCommand(
		worker,
		newPackCommand(&cfgPath),
		newFeedCommand(&cfgPath),
		newTransformsCommand(),
		newConfigCommand(&cfgPath),
	)
	return root
}

// loadConfig resolves and validates the effective configuration.
func loadConfig(cmd *cobra.Command, cfgPath string, args []string) (config.Config, error) {
	cfg, err := config.Load(config.Options{
		Path:  cfgPath,
		Args:  args,
		Flags: cmd.Flags(),
	})
	if err != nil {
		return config.Config{}, configError(err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, configError(err)
	}
	logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, nil
}

func runWorker(cmd *cobra.Command, cfgPath string, args []string) error {
	cfg, err := loadConfig(cmd, cfgPath, args)
	if err != nil {
		return err
	}
	logger := logging.L()

	codec, err := cfg.Codec()
	if err != nil {
		return configError(err)
	}
	w := vgistream.NewWorker()
	w.SetCodec(codec)
	w.SetRegistry(newRegistry())
	w.SetLogger(logger)
	w.SetWorkerID(cfg.WorkerID)
	w.SetDebugErrors(cfg.DebugErrors)
	w.SetMaxFrameSize(cfg.MaxFrameBytes)
	w.SetSessionMetadata(traceMetadata())
	if cfg.CapsuleKey != "" {
		w.SetCapsuleKey([]byte(cfg.CapsuleKey))
	}
	if cfg.ValidateSchema {
		schema, err := cfg.Schema()
		if err != nil {
			return configError(err)
		}
		w.SetInputSchema(schema)
	}
	if cfg.Transform != "" {
		if err := w.UseRegistered(cfg.Transform, []byte(cfg.Params)); err != nil {
			return configError(err)
		}
	}

	shutdown, err := setupTelemetry(cfg, w, logger)
	if err != nil {
		return configError(err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	if err := w.RunStdioContext(cmd.Context()); err != nil {
		return &exitError{code: exitSession, err: err}
	}
	return nil
}

// traceMetadata forwards a W3C trace context handed down by the host
// through the environment.
func traceMetadata() map[string]string {
	md := map[string]string{}
	if v := os.Getenv("TRACEPARENT"); v != "" {
		md["traceparent"] = v
	}
	if v := os.Getenv("TRACESTATE"); v != "" {
		md["tracestate"] = v
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func newTransformsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transforms",
		Short: "List registered transforms and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, d := range newRegistry().Describe() {
				fmt.Fprintf(out, "%s\n    %s\n", d.Name, d.Doc)
				for _, f := range d.ParamsSchema.Fields() {
					line := fmt.Sprintf("    - %s: %s", f.Name, f.Type)
					if def, ok := d.ParamDefaults[f.Name]; ok {
						line += fmt.Sprintf(" (default %q)", def)
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}

func newConfigCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config [key=value ...]",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgPath, args)
			if err != nil {
				return err
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
