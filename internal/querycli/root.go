// Package querycli implements the query command-line interface: the
// direct-to-SQLite AND-predicate query surface described in spec.md §6,
// rebuilt on cobra and an OutputFormatter in the shape of
// roach88-nysm's internal/cli package, since this system has no running
// daemon for a CLI to talk to — every subcommand opens the store file
// directly.
package querycli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	Verbose  bool
	Format   string // "text" | "json"
	Database string
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the cmdtrace query CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cmdtrace",
		Short: "Query recorded command file-events",
		Long:  "Inspect commands, their read/write file events, and restore archived content from a cmdtrace store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", defaultDatabasePath(), "path to the cmdtrace SQLite store")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func defaultDatabasePath() string {
	return "cmdtrace.sqlite"
}
