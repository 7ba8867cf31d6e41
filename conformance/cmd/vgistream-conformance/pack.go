// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-stream/vgistream"
)

func newPackCommand(cfgPath *string) *cobra.Command {
	var output, packedBy string

	cmd := &cobra.Command{
		Use:   "pack --transform NAME [--params JSON] --output FILE",
		Short: "Write a transform capsule as a Feather file",
		Long: `Packs a registered transform and its parameters into the one-row capsule
chunk a host sends as the first frame of a dynamic session, and writes it
as a Feather file. The capsule is signed when capsule_key is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgPath, nil)
			if err != nil {
				return err
			}
			if cfg.Transform == "" {
				return configError(errors.New("pack requires --transform"))
			}
			var params any
			if cfg.Params != "" {
				params = json.RawMessage(cfg.Params)
			}
			opts := vgistream.CapsuleOptions{PackedBy: packedBy}
			if cfg.CapsuleKey != "" {
				opts.Key = []byte(cfg.CapsuleKey)
			}
			payload, err := vgistream.PackBytes(newRegistry(), &vgistream.FeatherCodec{}, cfg.Transform, params, opts)
			if err != nil {
				return configError(err)
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			}
			if err := os.WriteFile(output, payload, 0o644); err != nil {
				return fmt.Errorf("write capsule: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("transform", "", "registered transform name")
	cmd.Flags().String("params", "", "JSON object of transform parameters")
	cmd.Flags().StringVarP(&output, "output", "o", "", "capsule file to write, or - for stdout")
	cmd.Flags().StringVar(&packedBy, "packed-by", "vgistream-conformance", "packer identity recorded in the capsule")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
