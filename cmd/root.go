package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/config"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/registry"
	"github.com/victor/modelvault/internal/scanner"
)

var cfg *config.Config
var reg *registry.Registry

var (
	configPath string
	modelType  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "modelvault",
	Short: "Cache and keep in sync large model file libraries",
	Long: `ModelVault maintains an in-memory cache of model files (checkpoints,
LoRAs, embeddings) found under configured library roots. It hashes each file
once, keeps metadata in sidecar files next to the models, persists the cache
to a snapshot for fast restarts and follows filesystem changes as they happen.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./config.yaml or ~/.modelvault/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&modelType, "type", "t", string(models.TypeLora), "Model type: lora, checkpoint or embedding")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

func initConfig() {
	var err error
	cfg, err = config.LoadFrom(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
}

func initLogging() {
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
}

// getRegistry builds the registry on first use so commands that never touch
// a library do not open snapshot stores.
func getRegistry() *registry.Registry {
	if reg == nil {
		reg = registry.New(cfg, registry.Options{})
	}
	return reg
}

// getScanner returns the scanner selected by --type or exits.
func getScanner() *scanner.Scanner {
	s, err := getRegistry().Scanner(models.ModelType(modelType))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownModelType) {
			fmt.Fprintf(os.Stderr, "Error: no library configured for model type %q\n", modelType)
			fmt.Fprintf(os.Stderr, "Configured types: %v\n", cfg.ModelTypes())
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return s
}

// loadedScanner returns the selected scanner with its cache loaded, from the
// snapshot when possible.
func loadedScanner(ctx context.Context) *scanner.Scanner {
	s := getScanner()
	if err := s.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s library: %v\n", modelType, err)
		os.Exit(1)
	}
	return s
}

func Execute() {
	err := rootCmd.Execute()
	Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func Cleanup() {
	if reg != nil {
		if err := reg.Close(); err != nil {
			logging.Warn("Failed to close libraries", logging.Err(err))
		}
		reg = nil
	}
	_ = logging.Sync()
}

// exit flushes state before terminating with code.
func exit(code int) {
	Cleanup()
	os.Exit(code)
}
