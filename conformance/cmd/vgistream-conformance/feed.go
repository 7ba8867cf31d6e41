// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/vgi-stream/vgistream"
)

type feedOptions struct {
	input     string
	capsule   string
	output    string
	chunkRows int64
}

func newFeedCommand(cfgPath *string) *cobra.Command {
	var opts feedOptions

	cmd := &cobra.Command{
		Use:   "feed --input FILE [--capsule FILE] [--output FILE] -- CMD [ARGS...]",
		Short: "Stream an Arrow file through a worker subprocess",
		Long: `Launches CMD as a worker, sends the capsule (if any) and the rows of the
input Feather or Arrow stream file in chunks, then ends the stream. Results
are written to --output as a Feather file or printed to stderr.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgPath, nil)
			if err != nil {
				return err
			}
			codec, err := cfg.Codec()
			if err != nil {
				return configError(err)
			}
			return runFeed(cmd, codec, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Feather or Arrow stream file to send")
	cmd.Flags().StringVar(&opts.capsule, "capsule", "", "capsule file written by pack")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Feather file for the worker's output")
	cmd.Flags().Int64Var(&opts.chunkRows, "chunk-rows", 0, "rows per chunk (0 sends the input as one chunk)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runFeed(cmd *cobra.Command, codec vgistream.TableCodec, opts feedOptions, argv []string) error {
	input, err := readTable(opts.input)
	if err != nil {
		return configError(err)
	}
	defer input.Release()
	chunks := splitRows(input, opts.chunkRows)
	defer func() {
		for _, c := range chunks {
			c.Release()
		}
	}()

	var capsule arrow.RecordBatch
	if opts.capsule != "" {
		if capsule, err = readTable(opts.capsule); err != nil {
			return configError(err)
		}
		defer capsule.Release()
	}

	proc := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	var outputs []arrow.RecordBatch
	var final arrow.RecordBatch
	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		host := vgistream.NewHost(stdin, stdout, codec)
		if capsule != nil {
			if err := host.SendTransform(capsule); err != nil {
				return err
			}
		}
		var err error
		outputs, final, err = host.RunSession(chunks)
		return err
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			fmt.Fprintf(cmd.ErrOrStderr(), "worker: %s\n", sc.Text())
		}
		return sc.Err()
	})
	sessErr := g.Wait()
	waitErr := proc.Wait()
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Release()
			}
		}
		if final != nil {
			final.Release()
		}
	}()
	if sessErr != nil {
		return &exitError{code: exitSession, err: errors.Join(sessErr, waitErr)}
	}
	if waitErr != nil {
		return &exitError{code: exitSession, err: fmt.Errorf("worker: %w", waitErr)}
	}

	results := make([]arrow.RecordBatch, 0, len(outputs)+1)
	for _, o := range outputs {
		if o != nil {
			results = append(results, o)
		}
	}
	if final != nil {
		results = append(results, final)
	}
	if opts.output != "" {
		return writeFeather(opts.output, results)
	}
	w := cmd.ErrOrStderr()
	for i, o := range outputs {
		if o == nil {
			fmt.Fprintf(w, "chunk %d: (no output)\n", i)
			continue
		}
		fmt.Fprintf(w, "chunk %d: %v\n", i, vgistream.ChunkRows(o))
	}
	if final != nil {
		fmt.Fprintf(w, "final: %v\n", vgistream.ChunkRows(final))
	}
	return nil
}

// readTable decodes a Feather file, or an Arrow stream file when the
// Feather magic is absent, into one chunk.
func readTable(path string) (arrow.RecordBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var codec vgistream.TableCodec = &vgistream.ArrowStreamCodec{}
	if bytes.HasPrefix(data, []byte("ARROW1")) {
		codec = &vgistream.FeatherCodec{}
	}
	chunk, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return chunk, nil
}

// splitRows slices chunk into pieces of at most n rows; n <= 0 keeps it
// whole. Every returned chunk holds its own reference.
func splitRows(chunk arrow.RecordBatch, n int64) []arrow.RecordBatch {
	rows := chunk.NumRows()
	if n <= 0 || n >= rows {
		chunk.Retain()
		return []arrow.RecordBatch{chunk}
	}
	var out []arrow.RecordBatch
	for off := int64(0); off < rows; off += n {
		out = append(out, chunk.NewSlice(off, min(off+n, rows)))
	}
	return out
}

func writeFeather(path string, chunks []arrow.RecordBatch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeFeather(f, chunks); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encodeFeather(w io.Writer, chunks []arrow.RecordBatch) error {
	if len(chunks) == 0 {
		return errors.New("worker produced no output")
	}
	schema := chunks[0].Schema()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return err
	}
	for i, c := range chunks {
		if !c.Schema().Equal(schema) {
			_ = fw.Close()
			return fmt.Errorf("output %d has schema %s, want %s", i, c.Schema(), schema)
		}
		if err := fw.Write(c); err != nil {
			_ = fw.Close()
			return err
		}
	}
	return fw.Close()
}
