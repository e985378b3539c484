package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uselight/lightopedia/internal/agent"
	"github.com/uselight/lightopedia/internal/ask"
	"github.com/uselight/lightopedia/internal/config"
	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/indexer"
	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/qalog"
	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/server"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the Lightopedia HTTP server: the authenticated ask/feedback
API, the GitHub push webhook, and health and debug endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if cfg.OpenAI.APIKey == "" {
				return fmt.Errorf("%s must be set", config.EnvOpenAIAPIKey)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(cfg.Store.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			srv := buildServer(cfg, st)
			slog.Info("lightopedia starting",
				slog.Int("port", cfg.Server.Port),
				slog.String("data_dir", cfg.Store.DataDir),
				slog.Int("api_keys", len(cfg.Server.APIKeys)))
			return srv.Run(ctx, cfg.Server.Port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides config)")
	return cmd
}

// buildServer wires the full pipeline over an open store.
func buildServer(cfg *config.Config, st *store.Store) *server.Server {
	model := llm.NewClient(llm.Config{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
	})
	embedder := embed.NewClient(model)
	fetcher := source.NewClient(source.Config{
		BaseURL:       cfg.GitHub.BaseURL,
		Token:         cfg.GitHub.Token,
		AppID:         cfg.GitHub.AppID,
		AppPrivateKey: cfg.GitHub.AppPrivateKey,
	})

	engine := retrieval.New(st, embedder, model)
	engine.VectorK = cfg.Retrieval.VectorK
	engine.KeywordK = cfg.Retrieval.KeywordK
	engine.RPCTimeout = cfg.Retrieval.RPCTimeout

	router := route.New(model)
	ag := agent.New(model, st, engine, fetcher)
	recorder := qalog.NewRecorder(st)
	svc := ask.New(router, engine, ag, recorder)
	replayer := qalog.NewReplayer(st, router, engine)
	ix := indexer.New(st, embedder, fetcher, cfg.Store.DataDir)

	return server.New(server.Config{
		APIKeys:            cfg.Server.APIKeys,
		WebhookSecret:      cfg.Server.WebhookSecret,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, svc, recorder, replayer, ix)
}
