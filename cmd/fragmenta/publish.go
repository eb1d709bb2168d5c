package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/extract"
)

var publishMaxLine int

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [glob...]",
	Short: "Append members to the stream",
	Long: `Append members in order. Each argument is a doublestar glob (e.g. "inbox/**/*.json");
matching files are published sorted by path, one member per file. Without
arguments, or with "-", members are read from stdin as JSON lines.

A member's identifier is its "@id" or "id" field, or a generated UUID.`,
	Example: `  fragmenta publish 'observations/**/*.json'
  cat readings.jsonl | fragmenta publish`,
	Run: func(cmd *cobra.Command, args []string) {
		var members []core.Member
		var err error
		if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
			members, err = readLines(cmd.InOrStdin(), publishMaxLine)
		} else {
			members, err = readGlobs(args)
		}
		if err != nil {
			fatal("Failed to read members", err)
		}
		if len(members) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to publish.")
			return
		}

		ctx := context.Background()
		sf, backend, engine, err := openStream(ctx)
		if err != nil {
			fatal("Failed to open stream", err)
		}
		defer backend.Close()

		if err := engine.Publish(ctx, members); err != nil {
			fatal("Failed to publish", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %d members to stream %q.\n", len(members), sf.Stream)
	},
}

func readGlobs(patterns []string) ([]core.Member, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	members := make([]core.Member, 0, len(paths))
	for _, p := range paths {
		payload, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		members = append(members, core.Member{ID: extract.MemberIDOrNew(payload), Payload: payload})
	}
	return members, nil
}

func readLines(r io.Reader, maxLine int) ([]core.Member, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)

	var members []core.Member
	for scanner.Scan() {
		payload := bytes.TrimSpace(scanner.Bytes())
		if len(payload) == 0 {
			continue
		}
		payload = append([]byte(nil), payload...)
		members = append(members, core.Member{ID: extract.MemberIDOrNew(payload), Payload: payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return members, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().IntVar(&publishMaxLine, "max-line", 4*1024*1024, "Maximum size of one stdin JSON line in bytes")
}
