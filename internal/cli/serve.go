package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/config"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/notify"
	"github.com/kilupskalvis/scenemerge/internal/replica"
	"github.com/kilupskalvis/scenemerge/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveListen    string
	serveDataDir   string
	serveLogLevel  string
	serveLogFormat string
	serveRedisAddr string
	serveTLSCert   string
	serveTLSKey    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scenemerge server",
	Long: `Run the scenemerge server.

Each document keeps its accepted operations in a bbolt log under
<data_dir>/docs/<doc>/ops.db and is rebuilt from it on start. Clients submit
operation batches over HTTP or a WebSocket stream and receive every merge
decision for the documents they watch.

When redis_addr is set, decisions are also published on one Redis channel
per document so other services can follow along. Configured webhook_urls
receive a POST for each decision.

Flags override the config file, which overrides the built-in defaults.

Examples:
  scenemerge serve
  scenemerge serve --config /etc/scenemerge.toml
  scenemerge serve --listen 127.0.0.1:8740 --data-dir /var/lib/scenemerge`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", "", "Listen address (host:port)")
	f.StringVar(&serveDataDir, "data-dir", "", "Directory for document logs")
	f.StringVar(&serveLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	f.StringVar(&serveLogFormat, "log-format", "", "Log format (json|text)")
	f.StringVar(&serveRedisAddr, "redis-addr", "", "Redis address for publishing changes")
	f.StringVar(&serveTLSCert, "tls-cert", os.Getenv("SCENEMERGE_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serveTLSKey, "tls-key", os.Getenv("SCENEMERGE_TLS_KEY"), "TLS key file")
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = serveListen
	}
	if f.Changed("data-dir") {
		cfg.DataDir = serveDataDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = serveLogFormat
	}
	if f.Changed("redis-addr") {
		cfg.RedisAddr = serveRedisAddr
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) {
	cfg := loadConfig()
	if err := applyServeFlags(cmd, cfg); err != nil {
		exitError("%v", err)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roots := make([]models.NodeID, len(cfg.Roots))
	for i, r := range cfg.Roots {
		roots[i] = models.NodeID(r)
	}
	registry, err := replica.NewRegistry(cfg.DataDir, replica.Options{
		Roots:             roots,
		Policy:            cfg.Policy(),
		AdoptPlaceholders: cfg.AdoptPlaceholders,
		ChangeBuffer:      cfg.ChangeBuffer,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create registry", "error", err)
		os.Exit(1)
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up publisher", "error", err)
		os.Exit(1)
	}

	hub := server.NewHub(publisher, logger)
	registry.OnOpen(hub.Attach)

	if err := registry.OpenAll(ctx); err != nil {
		logger.Error("failed to open documents", "error", err)
		os.Exit(1)
	}

	var tokens server.TokenStore
	infos := tokenInfos(cfg.Tokens)
	if len(infos) > 0 {
		store, err := server.NewStaticTokenStore(infos)
		if err != nil {
			logger.Error("invalid token configuration", "error", err)
			os.Exit(1)
		}
		tokens = store
		logger.Info("loaded tokens", "count", len(infos))
	} else {
		logger.Warn("no tokens configured, every document is open for reading and writing")
	}

	h, handlerCleanup := server.Handler(registry, hub, tokens, &server.ServerConfig{
		MaxRequestBody:    cfg.MaxRequestBody,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, logger)
	defer handlerCleanup()

	// WriteTimeout is left unset so WebSocket streams stay open.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	go func() {
		logger.Info("starting scenemerge server",
			"listen", cfg.Listen,
			"data_dir", cfg.DataDir,
			"position_policy", cfg.PositionPolicy,
			"adopt_placeholders", cfg.AdoptPlaceholders)
		var err error
		if serveTLSCert != "" && serveTLSKey != "" {
			err = srv.ListenAndServeTLS(serveTLSCert, serveTLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked connections; closing the documents
	// ends their streams.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	registry.CloseAll()
	if err := hub.Close(); err != nil {
		logger.Error("close publisher", "error", err)
	}
	logger.Info("server stopped")
}

// newPublisher combines the configured outbound channels. With none
// configured, changes only reach stream subscribers.
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Publisher, error) {
	var pubs notify.Multi

	if cfg.RedisAddr != "" {
		p, err := notify.NewRedisPublisher(ctx, notify.RedisOptions{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.RedisChannelPrefix,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
		logger.Info("publishing changes to redis", "addr", cfg.RedisAddr)
	}

	if wp := notify.NewWebhookPublisher(&notify.WebhookConfig{
		URLs:         cfg.WebhookURLs,
		Secret:       cfg.WebhookSecret,
		AcceptedOnly: cfg.WebhookAcceptedOnly,
	}, logger); wp != nil {
		pubs = append(pubs, wp)
		logger.Info("webhooks configured", "count", len(cfg.WebhookURLs))
	}

	switch len(pubs) {
	case 0:
		return notify.Nop{}, nil
	case 1:
		return pubs[0], nil
	}
	return pubs, nil
}

// tokenInfos converts configured tokens, hashing raw values.
func tokenInfos(tokens []config.Token) []*server.TokenInfo {
	infos := make([]*server.TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		hash := t.TokenHash
		if hash == "" {
			hash = server.HashToken(t.Token)
		}
		infos = append(infos, &server.TokenInfo{
			ID:         t.ID,
			TokenHash:  hash,
			Desc:       t.Description,
			Docs:       t.Docs,
			Permission: t.Permission,
		})
	}
	return infos
}
