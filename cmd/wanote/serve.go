package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wanote/internal/bus"
	"wanote/internal/channel"
	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/extract"
	"wanote/internal/metrics"
	"wanote/internal/pipeline"
	"wanote/internal/provider"
	"wanote/internal/reply"
	"wanote/internal/retry"
	"wanote/internal/security"
	"wanote/internal/server"
	"wanote/internal/sheets"
	"wanote/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the processing pipeline",
		Long:  "Starts the HTTP server for the enabled gateways and processes every accepted message in the background. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.CheckRuntime(cfg); err != nil {
		return err
	}

	log, closer, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.Whitelist.ClientsFile != "" {
		n, err := st.ImportClientsFile(ctx, cfg.Whitelist.ClientsFile)
		if err != nil {
			logger.Warn("clients file import failed", "path", cfg.Whitelist.ClientsFile, "err", err)
		} else {
			logger.Info("clients file imported", "path", cfg.Whitelist.ClientsFile, "entries", n)
		}
	}

	m := metrics.New()
	guard := security.NewGuard(security.GuardConfig{
		Store:          st,
		Static:         cfg.Whitelist.Numbers,
		TriggerKeyword: cfg.Whitelist.TriggerKeyword,
		MinMatchDigits: cfg.Whitelist.MinMatchDigits,
		Refresh:        time.Duration(cfg.Whitelist.RefreshSeconds) * time.Second,
		OnRefresh:      func(n int) { m.WhitelistSize.Set(float64(n)) },
		Logger:         logger.With("component", "guard"),
	})
	if err := guard.Refresh(ctx); err != nil {
		logger.Warn("initial whitelist load failed", "err", err)
	}

	// Gateways
	gatewayRetry := retry.Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	outbound := bus.NewRouter(logger.With("component", "outbound"))
	resolvers := map[domain.Source]domain.MediaResolver{}

	var cloud *channel.CloudAPI
	if cfg.CloudAPI.Enabled {
		cloud = channel.NewCloudAPI(channel.CloudAPIOptions{
			Config: cfg.CloudAPI,
			Retry:  gatewayRetry,
			Logger: logger.With("gateway", domain.SourceCloudAPI),
		})
		outbound.Register(cloud)
		resolvers[domain.SourceCloudAPI] = cloud
		logger.Info("cloud api gateway enabled", "path", cfg.CloudAPI.WebhookPath)
	}
	var bridge *channel.Bridge
	if cfg.Bridge.Enabled {
		bridge = channel.NewBridge(channel.BridgeOptions{
			Config: cfg.Bridge,
			Retry:  gatewayRetry,
			Logger: logger.With("gateway", domain.SourceBridge),
		})
		outbound.Register(bridge)
		resolvers[domain.SourceBridge] = bridge
		logger.Info("bridge gateway enabled", "path", cfg.Bridge.WebhookPath, "base", cfg.Bridge.BaseURL)
	}

	// Extraction
	models, err := provider.NewFactory(cfg.Extraction, logger).Build(ctx)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	engine := extract.NewEngine(extract.Config{
		Generator:   models.Generator,
		Transcriber: models.Transcriber,
		Media:       resolvers,
		Retry: retry.Policy{
			MaxRetries: cfg.Extraction.MaxRetries,
			BaseDelay:  time.Duration(cfg.Extraction.RetryBaseMillis) * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
		CallTimeout:  time.Duration(cfg.Extraction.TimeoutSeconds) * time.Second,
		MediaTimeout: time.Duration(cfg.Pipeline.MediaTimeoutSeconds) * time.Second,
		Logger:       logger.With("component", "extract"),
	})

	// Persistence
	sheet, err := sheets.NewClient(ctx, sheets.ClientConfig{
		SpreadsheetID:   cfg.Sheets.SpreadsheetID,
		Range:           cfg.Sheets.Range,
		APIBase:         cfg.Sheets.APIBase,
		CredentialsFile: cfg.Sheets.CredentialsFile,
		Timeout:         time.Duration(cfg.Sheets.TimeoutSeconds) * time.Second,
		Retry: retry.Policy{
			MaxRetries: cfg.Sheets.MaxRetries,
			BaseDelay:  time.Duration(cfg.Sheets.RetryBaseMillis) * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
		Logger: logger.With("component", "sheets"),
	})
	if err != nil {
		return fmt.Errorf("sheets client: %w", err)
	}
	headerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := sheet.EnsureHeader(headerCtx, sheets.Header); err != nil {
		logger.Warn("could not check the sheet header", "err", err)
	}
	cancel()
	records := sheets.NewStore(sheets.StoreConfig{
		Sheet:        sheet,
		Index:        st,
		VerifyRemote: cfg.Sheets.VerifyRemote,
		Logger:       logger.With("component", "records"),
	})

	// Pipeline
	events := bus.NewEventBus(logger, 1000)
	m.Subscribe(events)
	replies := reply.NewDispatcher(reply.Config{
		Router:           outbound,
		Timeout:          time.Duration(cfg.Reply.TimeoutSeconds) * time.Second,
		ProcessingNotice: cfg.Reply.ProcessingNotice,
		ProcessingText:   cfg.Reply.ProcessingText,
		Logger:           logger.With("component", "reply"),
	})
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Guard:       guard,
		Extractor:   engine,
		Records:     records,
		Replies:     replies,
		Events:      events,
		InFlight:    m.InFlight,
		Deadline:    time.Duration(cfg.Pipeline.DeadlineSeconds) * time.Second,
		MaxInFlight: cfg.Pipeline.MaxInFlight,
		MaxQueued:   cfg.Pipeline.MaxQueued,
		Logger:      logger.With("component", "pipeline"),
	})

	srv := server.New(server.Options{
		Config:   cfg.Server,
		CloudAPI: cloud,
		MetaPath: cfg.CloudAPI.WebhookPath,
		Bridge:   bridge,
		WPPPath:  cfg.Bridge.WebhookPath,
		Pipeline: orch,
		Clients:  st,
		Guard:    guard,
		Outbound: outbound,
		Events:   events,
		Metrics:  m,
		Ping:     st.Ping,
		App:      cfg,
		Version:  version,
		Logger:   logger.With("component", "http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		guard.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	logger.Info("wanote started", "version", version, "config", cfgPath)
	err = g.Wait()

	// Let in-flight messages finish their current step before the store closes.
	const drainTimeout = 30 * time.Second
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if werr := orch.Wait(drainCtx); werr != nil {
		logger.Warn("shutdown timed out with messages still in flight")
	} else {
		logger.Info("shutdown complete")
	}
	return err
}
