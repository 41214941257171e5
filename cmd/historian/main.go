package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/api"
	"github.com/Keyring-Network/keyring-historian/internal/config"
	"github.com/Keyring-Network/keyring-historian/internal/llm"
	"github.com/Keyring-Network/keyring-historian/internal/logging"
	"github.com/Keyring-Network/keyring-historian/internal/pipeline"
	"github.com/Keyring-Network/keyring-historian/internal/search"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig  = config.Load
	newLogger   = logging.New
	newProvider = llm.NewProvider
	newServer   = func(p api.Pipeline, generator llm.Provider, searchEnabled bool, logger *zap.Logger) server {
		return api.NewServer(p, generator, searchEnabled, logger)
	}
	notifyContext = signal.NotifyContext
)

type options struct {
	configFile string
	port       string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "historian",
		Short:        "Stream a draft answer, its web evidence and a cited correction",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file; environment variables take precedence")
	flags.StringVar(&opts.port, "port", "", "listen port (overrides PORT)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	logger, err := newLogger(logging.Options{Level: level, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := newProvider(llm.Config{
		Provider:     cfg.LLMProvider,
		Model:        cfg.LLMModel,
		BaseURL:      cfg.LLMBaseURL,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	})
	if err != nil {
		return err
	}

	searchClient := search.NewClient(search.Config{
		APIKey:     cfg.SearchAPIKey,
		Endpoint:   cfg.SearchEndpoint,
		Depth:      cfg.SearchDepth,
		MaxResults: cfg.SearchMaxResults,
		Timeout:    cfg.SearchTimeout,
	})
	var source pipeline.EvidenceSource
	if searchClient.Enabled() {
		cache, err := search.NewCache(cfg.SearchCacheSize)
		if err != nil {
			return err
		}
		source = search.NewRetriever(searchClient, cache)
	} else {
		logger.Warn("no search API key configured, answers will not cite sources")
	}

	policy, err := pipeline.ParseQueryPolicy(cfg.SearchQueryPolicy)
	if err != nil {
		logger.Warn("ignoring search query policy", zap.Error(err))
		policy = pipeline.QueryInput
	}
	orchestrator := pipeline.NewOrchestrator(provider, source, pipeline.Options{
		CreativeTemperature:  cfg.CreativeTemperature,
		HistorianTemperature: cfg.HistorianTemperature,
		QueryPolicy:          policy,
		Logger:               logger.Named("pipeline"),
	})

	ctx, cancel := notifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := newServer(orchestrator, provider, searchClient.Enabled(), logger.Named("http"))
	logger.Info("starting historian",
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("llm_model", cfg.LLMModel),
		zap.Bool("search_enabled", searchClient.Enabled()),
		zap.String("query_policy", string(policy)),
	)
	if err := srv.Start(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("historian stopped")
	return nil
}
