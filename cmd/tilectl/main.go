package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tilectl",
		Short:         "Seed, clean and inspect gigatile layers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("layers-file", "", "layers YAML file (default $LAYERS_FILE)")
	root.PersistentFlags().String("data-dir", "", "image directory (default $DATA_DIR)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")

	root.AddCommand(newSeedCmd(), newCleanCmd(), newLayersCmd())
	return root
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Render a range of tiles into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := parseRange(cmd)
			if err != nil {
				return err
			}
			workers, _ := cmd.Flags().GetInt("workers")
			ignoreCached, _ := cmd.Flags().GetBool("ignore-cached")

			env, err := setup(cmd, workers)
			if err != nil {
				return err
			}
			defer env.close()

			stats, err := env.seeder.Seed(cmd.Context(), r.layer, r.zooms, r.extent, ignoreCached)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested %d, rendered %d, cached %d, skipped %d, failed %d\n",
				stats.Requested, stats.Rendered, stats.Cached, stats.Skipped, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d tiles failed", stats.Failed)
			}
			return nil
		},
	}
	addRangeFlags(cmd)
	cmd.Flags().Int("workers", 4, "concurrent renders")
	cmd.Flags().Bool("ignore-cached", false, "render even when the tile is cached")
	return cmd
}

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove a range of tiles from the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := parseRange(cmd)
			if err != nil {
				return err
			}

			env, err := setup(cmd, 1)
			if err != nil {
				return err
			}
			defer env.close()

			stats, err := env.seeder.Clean(cmd.Context(), r.layer, r.zooms, r.extent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", stats.Removed)
			return nil
		},
	}
	addRangeFlags(cmd)
	return cmd
}

func newLayersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "List configured layers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd, 1)
			if err != nil {
				return err
			}
			defer env.close()

			out := cmd.OutOrStdout()
			for _, l := range env.service.Layers().All() {
				fmt.Fprintf(out, "%s\t%s\tz%d-%d\t%dx%d+%d\t%v\n",
					l.Name, l.Projection.SRS(), l.Bounds.MinZoom, l.Bounds.MaxZoom,
					l.Metatile.Rows, l.Metatile.Columns, l.Metatile.Buffer, l.Formats)
			}
			return nil
		},
	}
}
