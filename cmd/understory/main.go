package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jward/understory/internal/config"
	"github.com/jward/understory/internal/logging"
)

var (
	flagFormat   string
	flagConfig   string
	flagLogLevel string
)

// appConfig is loaded once per invocation by the root PersistentPreRunE.
var appConfig *config.Config

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "understory",
	Short:         "Incremental JavaScript and TypeScript analysis",
	Long:          "Understory parses JavaScript and TypeScript with tree-sitter and checks it with Risor rule scripts, reusing results across runs.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		cfg, err := loadConfig(flagConfig, flagLogLevel)
		if err != nil {
			return err
		}
		appConfig = cfg
		logging.Init(cfg.Logging)
		return nil
	},
	// No Run, prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (understory.yaml, .json or .toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override: debug|info|warn|error")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads .env from the working directory when present, then the
// config file and UNDERSTORY_* variables.
func loadConfig(file, level string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("ignoring unreadable .env file")
	}
	cfg, err := config.Load(viper.New(), file)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// resolveTargetDir returns the absolute path of the directory to analyse.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// stdout returns the command's output writer.
func stdout(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
