package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/fragmenta"
	"github.com/aretw0/fragmenta/pkg/core"
)

var (
	verbose     bool
	configPath  string
	adapterFlag string
	uriFlag     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fragmenta",
	Short: "Fragment append-only event streams into time-windowed pages",
	Long: `Fragmenta splits a stream of timestamped members into buckets of bounded size.
A root index links every bucket with GTE/LT relations on the stream's timestamp path.

The stream is described by a fragmenta.yaml file, looked up from the current
directory upwards unless --config is given.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to fragmenta.yaml (default: search upwards from the current directory)")
	rootCmd.PersistentFlags().StringVar(&adapterFlag, "adapter", "", "Override the storage adapter (fs, memory, redis, dynamodb)")
	rootCmd.PersistentFlags().StringVar(&uriFlag, "uri", "", "Override the adapter URI (directory, redis address or URL, table)")
}

// streamFilePath returns --config or the stream file found above the
// working directory.
func streamFilePath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := fragmenta.FindRoot(cwd)
	if err != nil {
		return "", fmt.Errorf("no %s found from %s upwards: %w", fragmenta.StreamFileName, cwd, err)
	}
	return filepath.Join(root, fragmenta.StreamFileName), nil
}

func loadStream() (*fragmenta.StreamFile, error) {
	path, err := streamFilePath()
	if err != nil {
		return nil, err
	}
	sf, err := fragmenta.LoadStreamFile(path)
	if err != nil {
		return nil, err
	}
	if adapterFlag != "" {
		sf.Adapter = adapterFlag
	}
	if uriFlag != "" {
		sf.URI = uriFlag
	}
	return sf, nil
}

// openStream loads the stream file and opens its backend and engine.
// The caller closes the backend.
func openStream(ctx context.Context, extra ...fragmenta.Option) (*fragmenta.StreamFile, *fragmenta.Backend, *core.Engine, error) {
	sf, err := loadStream()
	if err != nil {
		return nil, nil, nil, err
	}

	opts := append(sf.Options(), fragmenta.WithLogger(slog.Default()))
	opts = append(opts, extra...)

	b, err := fragmenta.Init(ctx, sf.Target(), opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	engine, err := fragmenta.NewEngine(b, opts...)
	if err != nil {
		_ = b.Close()
		return nil, nil, nil, err
	}
	return sf, b, engine, nil
}
