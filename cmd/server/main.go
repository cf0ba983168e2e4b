package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/credential"
	"llmrelay-go/internal/handlers"
	"llmrelay-go/internal/logging"
	"llmrelay-go/internal/middleware"
	"llmrelay-go/internal/monitoring/tracing"
	"llmrelay-go/internal/oauth"
	"llmrelay-go/internal/orchestrator"
	"llmrelay-go/internal/reconciler"
	"llmrelay-go/internal/server"
	"llmrelay-go/internal/storage"
	"llmrelay-go/internal/upstream"
	"llmrelay-go/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if *debug {
		cfg = config.Update(func(c *config.Config) { c.Log.Debug = true })
	}

	if err := logging.Setup(cfg.Log); err != nil {
		log.WithError(err).Fatal("logging setup")
	}
	logging.InstallStreaming()
	log.WithField("version", version.Full()).Info("starting llmrelay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			log.WithError(err).Warn("tracing disabled")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					log.WithError(err).Warn("tracing shutdown")
				}
			}()
		}
	}

	store := openStorage(ctx, cfg)
	defer store.Close()

	// DB mode: the persisted config row wins over the file, and every later
	// save mirrors back into it.
	if store.Enabled() {
		if data, ok, err := store.BootstrapConfig(ctx); err != nil {
			log.WithError(err).Warn("config bootstrap failed")
		} else if ok {
			if dbCfg, err := config.Unmarshal(data); err != nil {
				log.WithError(err).Warn("persisted config unreadable, keeping file")
			} else if err := dbCfg.Validate(); err != nil {
				log.WithError(err).Warn("persisted config invalid, keeping file")
			} else {
				config.Publish(dbCfg)
				cfg = dbCfg
			}
		}
		config.SetPersistFunc(store.PersistConfig)
	}

	pools := cfg.Pools
	if store.Enabled() {
		pools = loadPools(ctx, store, pools)
	}

	cookies := credential.NewCookieActor(pools.Cookies, pools.Wasted, credential.CookieActorOptions{
		Mailbox: cfg.Retry.Mailbox,
		Store:   store,
	})
	keys := credential.NewKeyPool(pools.Keys, store, cfg.Retry.ForbiddenThreshold, cfg.Retry.Mailbox)
	cliTokens := credential.NewCliTokenPool(pools.CliTokens, store, cfg.Retry.ForbiddenThreshold, cfg.Retry.Mailbox)
	vertex := credential.NewVertexPool(pools.Vertex, store, cfg.Retry.ForbiddenThreshold, cfg.Retry.Mailbox)
	defer cookies.Stop()
	defer keys.Stop()
	defer cliTokens.Stop()
	defer vertex.Stop()

	httpClient := upstream.NewHTTPClient(cfg.Server.Proxy)
	claude := orchestrator.NewClaude(
		cookies,
		oauth.NewWebFlow(cfg.Claude.Endpoint),
		upstream.NewAnthropicClient(cfg.Claude.Endpoint, httpClient),
		orchestrator.WithClaudeMaxRetries(cfg.Retry.MaxRetries),
	)
	gemini := orchestrator.NewGemini(orchestrator.GeminiDeps{
		Keys:       keys,
		CliTokens:  cliTokens,
		Vertex:     vertex,
		Client:     upstream.NewGeminiClient(cfg.Gemini.Endpoint, httpClient),
		CodeAssist: upstream.NewCodeAssistClient(cfg.Gemini.CodeAssistEndpoint, httpClient),
		VertexAPI:  upstream.NewVertexClient(cfg.Gemini.VertexEndpoint, httpClient),
		MaxRetries: cfg.Retry.MaxRetries,
	})

	h := &handlers.Handlers{
		Claude:    claude,
		Gemini:    gemini,
		Cookies:   cookies,
		Keys:      keys,
		CliTokens: cliTokens,
		Vertex:    vertex,
		Store:     store,
	}

	// The reconciler only has external writers to converge against in DB mode.
	if store.Enabled() {
		rec := reconciler.New(store, cookies, keys, vertex, reconciler.Intervals{
			Keys:    cfg.Reconcile.Keys.Std(),
			Cookies: cfg.Reconcile.Cookies.Std(),
			Vertex:  cfg.Reconcile.Vertex.Std(),
		})
		rec.Start(ctx)
		defer rec.Stop()
	}

	middleware.SafeGo("config-watch", func() {
		if err := config.Watch(ctx, *configPath, func(next *config.Config) {
			log.Info("configuration reloaded")
		}); err != nil {
			log.WithError(err).Warn("config watch stopped")
		}
	})

	if err := server.New(h).Run(ctx); err != nil {
		log.WithError(err).Error("server failed")
		os.Exit(1)
	}
}

func openStorage(ctx context.Context, cfg *config.Config) storage.Layer {
	if cfg.Storage.DatabaseURL == "" {
		log.Info("storage: file mode")
		return storage.NewFileLayer()
	}
	layer, err := storage.OpenDB(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	log.Info("storage: db mode")
	return layer
}

// loadPools prefers the DB snapshot; missing tables fall back to the file
// pools so a fresh database starts from the config contents.
func loadPools(ctx context.Context, store storage.Layer, file config.PoolsConfig) config.PoolsConfig {
	out := file
	if cookies, wasted, err := store.LoadCookies(ctx); err != nil {
		log.WithError(err).Warn("load cookies from db")
	} else if len(cookies) > 0 || len(wasted) > 0 {
		out.Cookies, out.Wasted = cookies, wasted
	}
	if keys, err := store.LoadKeys(ctx); err != nil {
		log.WithError(err).Warn("load keys from db")
	} else if len(keys) > 0 {
		out.Keys = keys
	}
	if tokens, err := store.LoadCliTokens(ctx); err != nil {
		log.WithError(err).Warn("load cli tokens from db")
	} else if len(tokens) > 0 {
		out.CliTokens = tokens
	}
	if vertex, err := store.LoadVertex(ctx); err != nil {
		log.WithError(err).Warn("load vertex credentials from db")
	} else if len(vertex) > 0 {
		out.Vertex = vertex
	}
	return out
}
