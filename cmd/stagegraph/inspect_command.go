package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/pipeline/docanalysis"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var fromStore bool

	cmd := &cobra.Command{
		Use:   "inspect <file|run-id>",
		Short: "Summarize a persisted run record",
		Long: "Summarize a persisted run record without executing anything.\n\n" +
			"The argument is a record JSON file, or a run ID with --store to read\n" +
			"it from the configured checkpoint backend.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec *record.Record
			var err error
			if fromStore {
				rec, err = loadFromStore(cmd, ctx, args[0])
			} else {
				rec, err = checkpoint.LoadFile(args[0])
			}
			if err != nil {
				return err
			}

			summary, err := inspectRecord(ctx, rec)
			if err != nil {
				return err
			}
			writeSummary(cmd.OutOrStdout(), summary, rec)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStore, "store", false, "Treat the argument as a run ID in the checkpoint store")
	return cmd
}

func loadFromStore(cmd *cobra.Command, ctx *commandContext, runID string) (*record.Record, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("no checkpoint backend configured; set STAGEGRAPH_CHECKPOINT_BACKEND")
	}
	defer store.Close()
	return store.Load(cmd.Context(), runID)
}

// inspectRecord checks records of a known pipeline against its graph.
func inspectRecord(ctx *commandContext, rec *record.Record) (graph.Summary, error) {
	graphs, err := docanalysis.BuildAll(ctx.lookup)
	if err != nil {
		return graph.Summary{}, fmt.Errorf("build pipelines: %w", err)
	}
	for _, g := range graphs {
		if g.Name() == rec.Pipeline() {
			return graph.NewExecutor(g).Inspect(rec)
		}
	}
	return graph.Inspect(rec), nil
}
