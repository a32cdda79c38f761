// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/conversation-engine/internal/config"
	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/handler"
	"github.com/capitalize-ai/conversation-engine/internal/llm"
	natsclient "github.com/capitalize-ai/conversation-engine/internal/nats"
	"github.com/capitalize-ai/conversation-engine/internal/navigation"
	"github.com/capitalize-ai/conversation-engine/internal/persist"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/internal/title"
	"github.com/capitalize-ai/conversation-engine/internal/transport"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conversation-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Local cache
	local, err := store.Open(ctx, cfg.LocalCachePath)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}
	defer local.Close()

	// Cloud tier and event stream. Without NATS the server runs local-only.
	var (
		cloud      persist.CloudSync
		remote     events.Remote
		connection handler.Connectivity
	)
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     "conversation-engine",
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, running local-only", zap.Error(err))
	} else {
		defer natsClient.Close()
		connection = natsClient

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Warn("failed to ensure event stream", zap.Error(err))
		} else {
			remote = streamManager
		}

		kv, err := natsclient.EnsureRecordBucket(ctx, natsClient, cfg.SyncBucket)
		if err != nil {
			log.Warn("failed to ensure sync bucket", zap.Error(err))
		} else {
			cloud = natsclient.NewRecordSync(natsClient, kv, log)
		}
	}

	coordinator := persist.NewCoordinator(local, cloud, persist.Config{
		Debounce:    cfg.PersistDebounce,
		SyncTimeout: cfg.SyncTimeout,
	}, log)
	if err := coordinator.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize persistence: %w", err)
	}
	if natsClient != nil {
		natsClient.OnReconnect(coordinator.Resync)
	}

	// Model
	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), cfg.LLMAPIKey())
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}

	bus := events.NewBus(remote, log)
	tr := transport.NewLLMTransport(llmClient, transport.Config{
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
	}, log)
	titles := title.NewGenerator(title.NewLLMService(llmClient, cfg.TitleModel), title.Config{
		Threshold: cfg.TitleThreshold,
	}, log)

	conversationSvc := service.NewConversationService(coordinator, tr, titles, bus, service.Config{
		DefaultTitle: cfg.DefaultTitle,
		DefaultModel: cfg.DefaultModel,
		Navigation: navigation.Config{
			NavigateDelay: cfg.NavigateDelay,
			ScrollDelay:   cfg.ScrollDelay,
		},
		IdleTimeout: cfg.SessionIdle,
	}, log)
	coordinator.OnStatus(conversationSvc.SyncStatusChanged)
	messageSvc := service.NewMessageService(conversationSvc, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, handler.Dependencies{
		Conversations: conversationSvc,
		Messages:      messageSvc,
		Bus:           bus,
		Health:        handler.NewHealthHandler(local, connection),
		Logger:        log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return conversationSvc.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if err := conversationSvc.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close conversations: %w", err))
		}
		if err := coordinator.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close persistence: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Development: cfg.Development(),
		Fields:      []zap.Field{zap.String("service", "conversation-engine")},
	})
}
