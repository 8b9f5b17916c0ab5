package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/provide-io/kiln/internal/config"
	"github.com/provide-io/kiln/internal/engine"
	"github.com/provide-io/kiln/pkg/logging"
)

// Exit codes.
const (
	ExitError       = 1
	ExitPanic       = 101
	ExitLaunchError = 104
)

var (
	configPath  string
	logLevel    string
	versionFlag bool

	cfg    config.Config
	logger hclog.Logger
	eng    *engine.Engine

	rootCmd *cobra.Command
)

func getBuildTimestamp() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.time" {
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					return t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if stat, err := os.Stat(exePath); err == nil {
			return stat.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func printVersion() {
	fmt.Printf("kiln %s\n", engine.Version)
	fmt.Printf("Built: %s\n", getBuildTimestamp())
}

func init() {
	rootCmd = &cobra.Command{
		Use:           "kiln",
		Short:         "Provision and launch game instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionFlag {
				printVersion()
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to kiln.toml (defaults to the data directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&versionFlag, "version", "V", false, "Show version information")

	rootCmd.AddCommand(
		createCmd(),
		deleteCmd(),
		listCmd(),
		resolveCmd(),
		loaderCmd(),
		runtimesCmd(),
		launchCmd(),
		gcCmd(),
	)
}

// setup loads the configuration and builds the engine. Commands that need
// the engine call it first; it is not a persistent pre-run so that --help
// and --version never touch the data directory.
func setup() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	opts := logging.ResolveOptions(logLevel, cfg.LogLevel)
	opts.Output = os.Stderr
	logger = logging.New("kiln", opts)

	eng, err = engine.New(cfg, engine.WithLogger(logger))
	return err
}

func teardown() {
	if eng != nil {
		if err := eng.Close(); err != nil {
			logger.Warn("⚠️ Failed to close engine", "error", err)
		}
	}
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n", r)
			debug.PrintStack()
			os.Exit(ExitPanic)
		}
	}()

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-V") {
		printVersion()
		os.Exit(0)
	}

	err := rootCmd.Execute()
	teardown()
	if err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitError)
	}
}

// exitCode ends the process with a specific status and no message.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}
