// Package cliapp implements the engine's administrative command line:
// query, garbage-collect, integrity-check, and serve — the operations
// spec §6 groups under "Query" and "Maintenance". Registering Pipes and
// calling them is a library operation (a Go program imports
// pipeweave/internal/rms directly to get live callable bindings into the
// Registry, spec §4.5), so it has no CLI subcommand here; everything this
// CLI does operates against an already-populated database.
//
// Grounded on the teacher's internal/cli/executor.go orchestration shape
// (config load -> component wiring -> command body -> translated exit
// code), rebuilt around cobra instead of the teacher's hand-rolled flag
// parsing.
package cliapp

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipeweave/internal/engineconfig"
	"pipeweave/internal/rms"
)

var (
	configFile string
	cfg        *engineconfig.Config
	sys        *rms.ResourceManagementSystem
)

var rootCmd = &cobra.Command{
	Use:           "pipeweave",
	Short:         "Content-addressed provenance engine: query, garbage-collect, and inspect a pipeweave database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = engineconfig.Load(configFile)
		if err != nil {
			return &cliError{code: ExitConfigError, cause: err}
		}
		if err := engineconfig.SetupLogging(cfg.Log); err != nil {
			return &cliError{code: ExitConfigError, cause: err}
		}
		sys, err = rms.Open(cfg.DBPath, cfg.VaultDir, cfg.PoolSize)
		if err != nil {
			return &cliError{code: ExitInternalError, cause: err}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if sys == nil {
			return nil
		}
		return sys.Close()
	},
}

// cliError carries the exit code a failure should translate to; a plain
// error from a command body defaults to ExitOperationFailed.
type cliError struct {
	code  int
	cause error
}

func (e *cliError) Error() string { return e.cause.Error() }
func (e *cliError) Unwrap() error { return e.cause }

// Execute runs the CLI, translating any returned error into a logged
// message and the matching exit code.
func Execute() int {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a pipeweave config file (YAML)")
	err := rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(os.Stderr, "pipeweave:", err)
	logrus.WithError(err).Error("command failed")

	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ExitOperationFailed
}
