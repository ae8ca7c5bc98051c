package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pario-ai/parley/pkg/config"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "parley",
		Short:        "Reproducible conversations with language models",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newChatCmd(),
		newCacheCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the default config
// file does not exist.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil || cmd.Flags().Changed("config") {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a console logger on stderr.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	zapConfig := zap.Config{
		Level:            lvl,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build()
}
