package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/pipeline/docanalysis"
)

const sampleDocument = "sample-agreement.pdf"

func newRunCommand(ctx *commandContext) *cobra.Command {
	var rulesMode bool
	var progress bool
	var outPath string

	cmd := &cobra.Command{
		Use:   "run [document]",
		Short: "Run the document analysis pipeline once",
		Long: "Run the document analysis pipeline once and print its history.\n\n" +
			"The document is read as extracted text, with form feeds separating pages.\n" +
			"Without a document the bundled sample agreement is analysed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, pages, err := documentPages(args)
			if err != nil {
				return err
			}
			opts := docanalysis.OptionsFromEnv(ctx.lookup)
			if rulesMode {
				opts.RulesMode = true
			}
			res, err := runDocument(cmd.Context(), ctx, opts, path, pages, progressWriter(progress, cmd.ErrOrStderr()))
			if res == nil {
				return err
			}

			writeSummary(cmd.OutOrStdout(), graph.Inspect(res.Record), res.Record)
			if outPath != "" {
				if werr := writeRecord(outPath, res.Record); werr != nil {
					return werr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nRecord written to %s\n", outPath)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&rulesMode, "rules", false, "Include the rule compliance stages")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print progress events to stderr")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the final record as JSON")
	return cmd
}

func documentPages(args []string) (string, []string, error) {
	if len(args) == 0 {
		return sampleDocument, docanalysis.SamplePages, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", nil, fmt.Errorf("read document: %w", err)
	}
	return args[0], splitPages(string(data)), nil
}

func progressWriter(enabled bool, w io.Writer) commbus.Observer {
	if !enabled {
		return nil
	}
	return func(_ context.Context, event commbus.ProgressEvent) error {
		_, err := fmt.Fprintf(w, "%-28s %-10s %s\n", event.Stage(), event.Status(), event.Message())
		return err
	}
}

// runDocument executes one run in-process on a private bus, checkpointing
// through the configured backend.
func runDocument(ctx context.Context, cmdCtx *commandContext, opts docanalysis.Options, path string, pages []string, observer commbus.Observer) (*graph.Result, error) {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cmdCtx.ensureLogger()
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()

	g, err := docanalysis.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	bus := commbus.NewProgressBus(logger)
	bus.AddMiddleware(observability.NewBusMetricsMiddleware())
	if observer != nil {
		defer bus.Register(observer)()
	}
	execOpts := []graph.Option{graph.WithBus(bus), graph.WithLogger(logger)}

	store, err := checkpoint.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		defer store.Close()
		execOpts = append(execOpts, graph.WithCheckpoints(store))
	}

	rec := record.New(docanalysis.SampleSeed(path, pages))
	return graph.NewExecutor(g, execOpts...).Run(ctx, rec)
}

func writeRecord(path string, rec *record.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
