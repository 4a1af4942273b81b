// Command ivmd is a small demo daemon exercising the full IVM engine
// stack end to end for manual testing (SPEC_FULL.md §1, §6). It is glue
// around internal/ivm/session.Session, not core logic, grounded on the
// teacher's cmd/bd cobra wiring (cmd/bd/main.go's rootCmd.Execute).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPathFlag     string
	schemaPathFlag string
	configFlag     string
	traceFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "ivmd",
	Short: "ivmd runs the incremental view maintenance engine",
	Long: `ivmd is a demo daemon around the IVM core: a dataflow engine that
maintains materialized query views incrementally as records mutate.

Examples:
  ivmd serve --db ./ivm.db --schema ./testdata/schema.toml
  ivmd mutate create items:1 '{"val": 10}'
  ivmd view register v1 "SELECT * FROM items ORDER BY val DESC LIMIT 2"`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&schemaPathFlag, "schema", "", "schema.toml fixture path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "ivmd.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "print spans and metric points to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
