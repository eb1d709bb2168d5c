package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aretw0/introspection"
	"github.com/spf13/cobra"

	"github.com/aretw0/fragmenta/pkg/core"
)

var (
	inspectBucket  string
	inspectMember  string
	inspectDiagram bool
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the root index and the current bucket",
	Long: `Print the stream's root relations, its most recent bucket and the engine and
backend state as JSON. --bucket prints one bucket, --member a stored payload,
--diagram a Mermaid diagram of the windows.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		sf, backend, engine, err := openStream(ctx)
		if err != nil {
			fatal("Failed to open stream", err)
		}
		defer backend.Close()

		out := cmd.OutOrStdout()
		switch {
		case inspectMember != "":
			payload, err := backend.FindMember(ctx, inspectMember)
			if err != nil {
				fatal("Failed to read member", err)
			}
			fmt.Fprintln(out, string(payload))
		case inspectBucket != "":
			b, err := engine.Bucket(ctx, inspectBucket)
			if err != nil {
				fatal("Failed to read bucket", err)
			}
			printJSON(out, b)
		case inspectDiagram:
			tree, err := buildStreamTree(ctx, engine, sf.Stream)
			if err != nil {
				fatal("Failed to read stream", err)
			}
			config := introspection.DefaultDiagramConfig()
			config.SecondaryID = "stream"
			config.SecondaryLabel = "Stream Windows"
			fmt.Fprintln(out, introspection.TreeDiagram(tree, config))
		default:
			report, err := buildReport(ctx, engine, backend.Adapter)
			if err != nil {
				fatal("Failed to read stream", err)
			}
			printJSON(out, report)
		}
	},
}

type inspectReport struct {
	Root      core.Bucket `json:"root"`
	Current   core.Bucket `json:"current"`
	Occupancy int         `json:"occupancy"`
	Engine    any         `json:"engine"`
	Backend   any         `json:"backend,omitempty"`
}

func buildReport(ctx context.Context, engine *core.Engine, adapter any) (inspectReport, error) {
	root, err := engine.Root(ctx)
	if err != nil {
		return inspectReport{}, err
	}
	cur, err := engine.MostRecentBucket(ctx)
	if err != nil {
		return inspectReport{}, err
	}
	n, err := engine.Occupancy(ctx, cur.ID)
	if err != nil {
		return inspectReport{}, err
	}

	report := inspectReport{Root: root, Current: cur, Occupancy: n, Engine: engine.State()}
	if intro, ok := adapter.(introspection.Introspectable); ok {
		report.Backend = intro.State()
	}
	return report, nil
}

type streamNode struct {
	Name     string
	Status   string
	Metadata map[string]string
	Children []streamNode
}

// buildStreamTree renders every window linked from the root. Status must
// match a class in introspection.DefaultStyles(): open windows are
// "running", closed ones "finished".
func buildStreamTree(ctx context.Context, engine *core.Engine, stream string) (streamNode, error) {
	root, err := engine.Root(ctx)
	if err != nil {
		return streamNode{}, err
	}

	rootNode := streamNode{
		Name:     "Root",
		Status:   "running",
		Metadata: map[string]string{"type": "container", "relations": fmt.Sprint(len(root.Relations))},
	}
	for _, rel := range root.Relations {
		if rel.Type != core.RelationGTE {
			continue
		}
		b, err := engine.Bucket(ctx, rel.Bucket)
		if err != nil {
			return streamNode{}, err
		}
		status := "running"
		meta := map[string]string{"type": "process", "start": rel.Value, "members": fmt.Sprint(b.Count)}
		if b.End != nil {
			status = "finished"
			meta["end"] = core.FormatInstant(*b.End)
		}
		rootNode.Children = append(rootNode.Children, streamNode{Name: "Bucket " + b.ID, Status: status, Metadata: meta})
	}

	return streamNode{
		Name:     "Stream " + stream,
		Status:   "running",
		Metadata: map[string]string{"type": "container"},
		Children: []streamNode{rootNode},
	}, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("Failed to encode output", err)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectBucket, "bucket", "", "Print the bucket with this identifier")
	inspectCmd.Flags().StringVar(&inspectMember, "member", "", "Print the stored payload of this member")
	inspectCmd.Flags().BoolVar(&inspectDiagram, "diagram", false, "Print a Mermaid diagram of the stream's windows")
}
