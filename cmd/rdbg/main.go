// The rdbg tool is a line-oriented debugger client: it launches or
// attaches to a target and drives the engine through an interactive
// prompt. Run "rdbg help" for usage.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nvdbg/rdbg/debugger"
)

func main() {
	var cfgPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "rdbg",
		Short: "rdbg is a source-level debugger for native executables",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine state transitions")

	runCmd := &cobra.Command{
		Use:   "run <binary> [args...]",
		Short: "launch a binary under the debugger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cfgPath)
			return runSession(args[0], args[1:], 0, cfg)
		},
	}

	attachCmd := &cobra.Command{
		Use:   "attach <pid> <binary>",
		Short: "attach to a running process (the binary supplies debug info)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q: %w", args[0], err)
			}
			cfg := loadConfig(cfgPath)
			return runSession(args[1], nil, pid, cfg)
		},
	}

	root.AddCommand(runCmd, attachCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) debugger.Config {
	if path == "" {
		return debugger.DefaultConfig()
	}
	cfg, err := debugger.LoadConfig(path)
	if err != nil {
		logrus.WithError(err).Warn("config file unreadable; using defaults")
	}
	return cfg
}

func setupLogging(verbose bool) {
	level := logrus.WarnLevel
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true})
		logrus.SetOutput(colorable.NewColorableStdout())
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}
}
