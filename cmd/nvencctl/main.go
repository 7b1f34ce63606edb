package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thesyncim/nvenc"
	"github.com/thesyncim/nvenc/internal/config"
)

var version = "0.1.0"

var (
	cfgFile    string
	logLevel   string
	runtimeDir string
	library    string
)

// app holds the state PersistentPreRunE builds for every subcommand.
var app struct {
	cfg    *config.Config
	logger *zap.Logger
	probe  *nvenc.HardwareProbe
}

var rootCmd = &cobra.Command{
	Use:           "nvencctl",
	Short:         "Inspect and exercise the NVENC hardware encoder",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app.logger != nil {
			_ = app.logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is nvencctl.yaml in the user config dir or .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", "", "directory containing the NVENC runtime")
	rootCmd.PersistentFlags().StringVar(&library, "library", "", "explicit NVENC runtime library path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(capsCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if runtimeDir != "" {
		cfg.Runtime.Directory = runtimeDir
	}
	if library != "" {
		cfg.Runtime.Library = library
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	probe := nvenc.NewHardwareProbe(nvenc.WithHardwareProbeLogger(logger))
	if cfg.Runtime.Directory != "" {
		probe.SetRuntimeDirectoryOverride(cfg.Runtime.Directory)
	}
	if cfg.Runtime.Library != "" {
		probe.SetLibraryOverridePath(cfg.Runtime.Library)
	}

	app.cfg = cfg
	app.logger = logger
	app.probe = probe
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var zc zap.Config
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
