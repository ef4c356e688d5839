package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	rungrpc "github.com/jeeves-cluster-organization/stagegraph/coreengine/grpc"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/runs"
	"github.com/jeeves-cluster-organization/stagegraph/pipeline/docanalysis"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	grpcAddr    string
	metricsAddr string
	maxActive   int
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the RunService over gRPC",
		Long: "Serve the RunService over gRPC with Prometheus metrics on /metrics.\n\n" +
			"Both document analysis variants are registered. Progress events are\n" +
			"forwarded to the configured Watermill topic.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.grpcAddr, "addr", "", "gRPC listen address (default from STAGEGRAPH_GRPC_ADDR)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Metrics listen address; \"off\" disables it")
	cmd.Flags().IntVar(&opts.maxActive, "max-active", 0, "Maximum concurrently running runs (0 = unlimited)")
	return cmd
}

func runServe(cmdCtx context.Context, ctx *commandContext, opts serveOptions) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := ctx.ensureLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	opts = opts.withDefaults(cfg)

	shutdownTracer, err := observability.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	store, err := checkpoint.Open(signalCtx, cfg)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	bus := commbus.NewProgressBus(logger, commbus.WithHistoryLimit(cfg.BusHistoryLimit))
	bus.AddMiddleware(observability.NewBusMetricsMiddleware())

	pubsub := commbus.NewInMemoryPubSub(watermill.NopLogger{})
	defer pubsub.Close()
	sink := commbus.NewWatermillSink(pubsub, cfg.ProgressTopic)
	defer bus.Register(sink.Observer())()
	forwarded, err := pubsub.Subscribe(signalCtx, sink.Topic())
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", sink.Topic(), err)
	}
	go logForwarded(forwarded, logger)

	manager := runs.NewManager(bus,
		runs.WithLogger(logger),
		runs.WithRecentEvents(cfg.RecentEventsLimit),
		runs.WithMaxActive(opts.maxActive),
		runs.WithCheckpoints(store),
	)
	graphs, err := docanalysis.BuildAll(ctx.lookup)
	if err != nil {
		return fmt.Errorf("build pipelines: %w", err)
	}
	for _, g := range graphs {
		manager.Register(g)
	}
	stopCleanup := manager.StartCleanupLoop(runs.DefaultCleanupConfig())
	defer stopCleanup()

	server := rungrpc.NewGracefulServer(rungrpc.NewRunServer(manager, logger), opts.grpcAddr)
	logger.Info("stagegraph_serving",
		"grpc_addr", opts.grpcAddr,
		"metrics_addr", opts.metricsAddr,
		"pipelines", manager.Pipelines(),
		"checkpoint_backend", cfg.CheckpointBackend,
	)

	group, gctx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return server.Start(gctx)
	})
	if opts.metricsAddr != "off" {
		group.Go(func() error {
			return serveMetrics(gctx, opts.metricsAddr)
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			logger.Warn("run_manager_shutdown_timeout", "error", err.Error())
		}
		return nil
	})

	err = group.Wait()
	logger.Info("stagegraph_stopped")
	return err
}

func (o serveOptions) withDefaults(cfg *config.EngineConfig) serveOptions {
	if o.grpcAddr == "" {
		o.grpcAddr = cfg.GRPCAddr
	}
	if o.metricsAddr == "" {
		o.metricsAddr = cfg.MetricsAddr
	}
	if o.metricsAddr == "" {
		o.metricsAddr = "off"
	}
	return o
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// logForwarded drains the progress topic until the subscription closes.
func logForwarded(messages <-chan *message.Message, logger logging.Logger) {
	for msg := range messages {
		event, err := commbus.DecodeMessage(msg)
		if err != nil {
			logger.Warn("progress_message_undecodable", "error", err.Error())
		} else {
			logger.Debug("progress_forwarded",
				"run_id", event.RunID(),
				"stage", event.Stage(),
				"status", string(event.Status()),
			)
		}
		msg.Ack()
	}
}
