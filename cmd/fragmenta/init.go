package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/fragmenta"
	"github.com/aretw0/fragmenta/pkg/core"
)

var (
	initStream        string
	initTimestampPath string
	initPageSize      int
	initDescription   string
	initStart         string
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a stream (root bucket and first window)",
	Long: `Bootstrap the stream described by fragmenta.yaml: store its metadata, create the
root bucket and open the first window. Running it again is a no-op.

Without a stream file, --stream and --timestamp-path write a new fragmenta.yaml
in the current directory first.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := streamFilePath(); err != nil {
			if initStream == "" || initTimestampPath == "" {
				fatal("No stream file (pass --stream and --timestamp-path to create one)", err)
			}
			path, err := writeStreamFile()
			if err != nil {
				fatal("Failed to write stream file", err)
			}
			configPath = path
			fmt.Fprintln(cmd.OutOrStdout(), "Created", path)
		}

		var start time.Time
		if initStart != "" {
			t, err := core.ParseInstant(initStart)
			if err != nil {
				fatal("Invalid --start", err)
			}
			start = t
		}

		ctx := context.Background()
		sf, backend, engine, err := openStream(ctx)
		if err != nil {
			fatal("Failed to open stream", err)
		}
		defer backend.Close()

		description := sf.Description
		if initDescription != "" {
			description = initDescription
		}

		created, err := engine.Bootstrap(ctx, core.BootstrapConfig{Description: description, Start: start})
		if err != nil {
			fatal("Failed to initialize stream", err)
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "Stream %q is already initialized.\n", sf.Stream)
			return
		}

		cur, err := engine.MostRecentBucket(ctx)
		if err != nil {
			fatal("Failed to read first bucket", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized stream %q (first bucket %s) on %s.\n", sf.Stream, cur.ID, backend.Name)
	},
}

func writeStreamFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path := filepath.Join(cwd, fragmenta.StreamFileName)
	if _, err := os.Stat(path); err == nil {
		return "", errors.New("stream file already exists: " + path)
	}

	sf := fragmenta.StreamFile{
		Stream:        initStream,
		Description:   initDescription,
		TimestampPath: initTimestampPath,
		PageSize:      initPageSize,
		Adapter:       adapterFlag,
		URI:           uriFlag,
	}
	data, err := yaml.Marshal(&sf)
	if err != nil {
		return "", fmt.Errorf("failed to encode stream file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initStream, "stream", "", "Stream identifier (new stream file only)")
	initCmd.Flags().StringVar(&initTimestampPath, "timestamp-path", "", "Payload field holding the member timestamp (new stream file only)")
	initCmd.Flags().IntVar(&initPageSize, "page-size", 100, "Maximum members per bucket, 0 for unbounded (new stream file only)")
	initCmd.Flags().StringVarP(&initDescription, "description", "d", "", "Stream description")
	initCmd.Flags().StringVar(&initStart, "start", "", "Start of the first window (RFC 3339, default now)")
}
