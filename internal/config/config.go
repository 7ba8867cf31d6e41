// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads worker configuration from, in increasing priority,
// built-in defaults, an optional YAML or TOML file, VGISTREAM_*
// environment variables, key=value process arguments and explicitly set
// command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/Query-farm/vgi-stream/vgistream"
)

// EnvPrefix prefixes every environment variable; "__" separates nested
// keys, e.g. VGISTREAM_LOG__LEVEL.
const EnvPrefix = "VGISTREAM_"

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
	JSON  bool   `koanf:"json" yaml:"json"`
}

type TelemetryConfig struct {
	// OtelStdout installs OTel SDK providers exporting to stderr.
	OtelStdout bool `koanf:"otel_stdout" yaml:"otel_stdout"`
	// MetricsAddr serves Prometheus /metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`
}

// Config is the effective worker configuration.
type Config struct {
	Format         string          `koanf:"format" yaml:"format"`
	Compression    string          `koanf:"compression" yaml:"compression"`
	Types          string          `koanf:"types" yaml:"types"`
	Names          string          `koanf:"names" yaml:"names"`
	ValidateSchema bool            `koanf:"validate_schema" yaml:"validate_schema"`
	Transform      string          `koanf:"transform" yaml:"transform"`
	Params         string          `koanf:"params" yaml:"params"`
	MaxFrameBytes  uint64          `koanf:"max_frame_bytes" yaml:"max_frame_bytes"`
	CapsuleKey     string          `koanf:"capsule_key" yaml:"capsule_key"`
	DebugErrors    bool            `koanf:"debug_errors" yaml:"debug_errors"`
	WorkerID       string          `koanf:"worker_id" yaml:"worker_id"`
	Log            LogConfig       `koanf:"log" yaml:"log"`
	Telemetry      TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Format:        vgistream.FormatFeather,
		MaxFrameBytes: vgistream.DefaultMaxFrameSize,
		Log:           LogConfig{Level: "info"},
	}
}

// keys lists every accepted configuration key.
var keys = map[string]bool{
	"format": true, "compression": true, "types": true, "names": true,
	"validate_schema": true, "transform": true, "params": true,
	"max_frame_bytes": true, "capsule_key": true, "debug_errors": true,
	"worker_id": true, "log.level": true, "log.json": true,
	"telemetry.otel_stdout": true, "telemetry.metrics_addr": true,
}

// flagKeys maps command-line flag names to configuration keys where the
// two differ beyond '-' versus '_'.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-json":     "log.json",
	"otel-stdout":  "telemetry.otel_stdout",
	"metrics-addr": "telemetry.metrics_addr",
}

// Keys returns the accepted configuration keys in sorted order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Options selects the sources Load reads.
type Options struct {
	// Path is an optional .yaml, .yml or .toml file.
	Path string
	// Args are key=value tokens, e.g. "format=tsv" "types=(int64,double)".
	Args []string
	// Flags contributes every flag whose value was explicitly set and whose
	// name maps to a configuration key.
	Flags *pflag.FlagSet
	// Environ overrides the process environment, for tests. Entries are
	// "KEY=value".
	Environ []string
}

// Load layers the configured sources over Default.
func Load(opts Options) (Config, error) {
	k := koanf.New(".")

	if opts.Path != "" {
		parser, err := parserFor(opts.Path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(opts.Path), parser); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", opts.Path, err)
		}
		if err := checkKeys(k.Keys(), opts.Path); err != nil {
			return Config{}, err
		}
	}

	if opts.Environ != nil {
		for _, kv := range opts.Environ {
			name, val, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(name, EnvPrefix) {
				continue
			}
			if key := envKey(name); keys[key] {
				if err := k.Set(key, val); err != nil {
					return Config{}, err
				}
			}
		}
	} else {
		envK := koanf.New(".")
		if err := envK.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return Config{}, fmt.Errorf("load environment: %w", err)
		}
		for _, key := range envK.Keys() {
			if keys[key] {
				if err := k.Set(key, envK.Get(key)); err != nil {
					return Config{}, err
				}
			}
		}
	}

	args, err := ParseArgs(opts.Args)
	if err != nil {
		return Config{}, err
	}
	for key, val := range args {
		if err := k.Set(key, val); err != nil {
			return Config{}, err
		}
	}

	if opts.Flags != nil {
		var setErr error
		opts.Flags.Visit(func(f *pflag.Flag) {
			key := flagKey(f.Name)
			if !keys[key] || setErr != nil {
				return
			}
			setErr = k.Set(key, f.Value.String())
		})
		if setErr != nil {
			return Config{}, setErr
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return TOML(), nil
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
}

func checkKeys(found []string, source string) error {
	for _, key := range found {
		if !keys[key] {
			return fmt.Errorf("config %s: unknown key %q", source, key)
		}
	}
	return nil
}

// envKey maps VGISTREAM_LOG__LEVEL to log.level.
func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(name, "__", ".")
}

func flagKey(name string) string {
	if key, ok := flagKeys[name]; ok {
		return key
	}
	return strings.ReplaceAll(name, "-", "_")
}

// ParseArgs splits key=value tokens, the form in which a host engine
// passes per-invocation settings. Unknown keys are an error.
func ParseArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not key=value", a)
		}
		key = strings.TrimSpace(key)
		if !keys[key] {
			return nil, fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
		}
		out[key] = val
	}
	return out, nil
}

// Validate reports configuration that cannot start a session.
func (c Config) Validate() error {
	switch c.Format {
	case vgistream.FormatFeather, vgistream.FormatArrow, vgistream.FormatTSV:
	default:
		return fmt.Errorf("unsupported format %q", c.Format)
	}
	switch c.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unsupported compression %q", c.Compression)
	}
	if c.Format == vgistream.FormatTSV && c.Types == "" {
		return fmt.Errorf("format tsv requires types")
	}
	if c.ValidateSchema && c.Types == "" {
		return fmt.Errorf("validate_schema requires types")
	}
	if c.Types != "" {
		if _, err := vgistream.ParseSchema(c.Types, c.Names); err != nil {
			return err
		}
	} else if c.Names != "" {
		return fmt.Errorf("names given without types")
	}
	if c.Params != "" {
		if c.Transform == "" {
			return fmt.Errorf("params given without transform")
		}
		if !json.Valid([]byte(c.Params)) {
			return fmt.Errorf("params is not valid JSON")
		}
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("max_frame_bytes must be positive")
	}
	return nil
}

// Schema returns the out-of-band schema, or nil when no types are set.
func (c Config) Schema() (*arrow.Schema, error) {
	if c.Types == "" {
		return nil, nil
	}
	return vgistream.ParseSchema(c.Types, c.Names)
}

// Codec builds the table codec the configuration selects.
func (c Config) Codec() (vgistream.TableCodec, error) {
	schema, err := c.Schema()
	if err != nil {
		return nil, err
	}
	return vgistream.NewCodec(c.Format, vgistream.CodecOptions{
		Compression: c.Compression,
		Schema:      schema,
	})
}

// YAML renders the configuration with the capsule key masked.
func (c Config) YAML() ([]byte, error) {
	if c.CapsuleKey != "" {
		c.CapsuleKey = "*****"
	}
	return yamlv3.Marshal(c)
}
