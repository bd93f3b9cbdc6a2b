package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ironsheep/image-proxy/internal/cache"
)

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the derivative cache",
	}

	cmd.AddCommand(newCacheStatsCmd(flags))
	return cmd
}

func newCacheStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and sizes per output format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			store, err := cache.New(cfg.CacheDir)
			if err != nil {
				return fmt.Errorf("failed to open cache directory: %w", err)
			}
			stats, err := store.Stats()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "cache\t%s\n", stats.Root)
			fmt.Fprintln(w, "FORMAT\tENTRIES\tBYTES")
			for _, f := range stats.Formats {
				fmt.Fprintf(w, "%s\t%d\t%d\n", f.Format, f.Entries, f.Bytes)
			}
			fmt.Fprintf(w, "total\t%d\t%d\n", stats.Entries, stats.Bytes)
			return w.Flush()
		},
	}
}
