package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/foxzi/rename-milter/internal/metrics"
	"github.com/foxzi/rename-milter/internal/storage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show persisted relocation counters",
	Long: `Print the counters saved in the storage database.

The database is locked while the milter runs; use the metrics endpoint for live values.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is not configured, counters are not persisted")
	}

	db, err := storage.OpenReadOnly(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	counters, err := metrics.ReadCounters(db)
	if err != nil {
		return err
	}

	printStats(cmd.OutOrStdout(), db.Path(), counters)
	return nil
}

func printStats(w io.Writer, path string, c metrics.ShadowCounters) {
	fmt.Fprintf(w, "Counters from %s\n\n", path)
	fmt.Fprintf(w, "  Connections: %.0f\n", c.Connections)
	fmt.Fprintf(w, "  Messages:    %.0f\n", c.Messages)
	fmt.Fprintf(w, "  Headers:     %.0f\n", c.Headers)

	fmt.Fprintf(w, "\nRelocations:\n")
	printLabeled(w, c.Relocations)

	if len(c.MutationFailures) > 0 {
		fmt.Fprintf(w, "\nFailed header changes:\n")
		printLabeled(w, c.MutationFailures)
	}
}

func printLabeled(w io.Writer, values map[string]float64) {
	if len(values) == 0 {
		fmt.Fprintf(w, "  (none)\n")
		return
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "  %-30s %.0f\n", k, values[k])
	}
}
