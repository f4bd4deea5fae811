// Command ipcrawler is the thin CLI driver around the core: it owns
// flag parsing, .env loading, logger setup and exit-code mapping, and
// delegates all task-graph semantics to pkg/ipcrawler (spec.md §6 —
// "CLI flags ... are the responsibility of the thin driver and are not
// part of the core contract").
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags, matching the teacher's
// version-stamping convention.
var Version = "dev"

// Exit codes from spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 2
	exitFilesystemErr = 3
	exitInterrupted   = 130
)

var rootCmd = &cobra.Command{
	Use:     "ipcrawler",
	Short:   "ipcrawler orchestrates reconnaissance tool chains against a target list",
	Version: Version,
}

func init() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ipcrawler %s\n", Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra has already printed the error; exitCodeFor picks the
		// code based on what kind of error surfaced from the run command.
		os.Exit(exitCodeFor(err))
	}
}
