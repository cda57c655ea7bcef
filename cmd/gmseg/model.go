package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmseg/pkg/atlas"
	"gmseg/pkg/config"
)

var modelOutput string

var buildModelCmd = &cobra.Command{
	Use:   "build-model MANIFEST",
	Short: "Build an atlas model database from a manifest of segmented slices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		manifest, err := atlas.LoadManifest(args[0])
		if err != nil {
			return err
		}
		model, err := atlas.Build(ctx, manifest, logger)
		if err != nil {
			return err
		}

		store, err := atlas.Open(modelOutput)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(ctx, model); err != nil {
			return err
		}

		logger.Info("Saved atlas model", zap.String("path", store.Path()))
		fmt.Printf("Atlas model with %d slices saved to %s\n", len(model.Slices), store.Path())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration file commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init PATH",
	Short: "Write the default configuration to PATH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	buildModelCmd.Flags().StringVarP(&modelOutput, "output", "o", "atlas.db", "Atlas model database to write")
	configCmd.AddCommand(configInitCmd)
}
