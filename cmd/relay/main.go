// Package main is the entry point for the relay server: the operator API and
// the workers that submit batches and run retries.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/batch"
	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/handler"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/retry"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/worker"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting relay",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("llm", cfg.LLM.Provider),
	)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "chat-relay", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracing.Shutdown(shutdownCtx, tp)
			}()
		}
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	llmClient, err := llm.NewClient(llm.Config{
		Provider:  llm.Provider(cfg.LLM.Provider),
		APIKey:    cfg.LLM.APIKey(),
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	var (
		clk = clock.System{}
		ids = idgen.UUID{}
	)

	engine := retry.NewEngine(clk, ids)
	orchestrator := retry.NewOrchestrator(b.store, b.locker, b.gateway, engine, clk,
		retry.Config{DispatchTimeout: cfg.Retry.DispatchTimeout}, log)
	aggregator := batch.NewAggregator(b.store, b.locker, b.gateway, ids, clk,
		batch.AggregatorConfig{MaxMessages: cfg.Batch.MaxMessages, Separator: cfg.Batch.Separator}, log)
	processor := batch.NewProcessor(b.store, llmClient, clk,
		batch.ProcessorConfig{CallTimeout: cfg.LLM.CallTimeout, Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens}, log)

	conversationSvc := service.NewConversationService(b.store, ids, clk, log)
	messageSvc := service.NewMessageService(b.store, conversationSvc, aggregator, ids, clk,
		service.MessageConfig{BatchSize: cfg.Batch.Size}, log)
	retrySvc := service.NewRetryService(b.store, orchestrator, engine, b.gateway, clk, log)

	router := handler.NewRouter(handler.Handlers{
		Health:        handler.NewHealthHandler(b.checks),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Messages:      handler.NewMessageHandler(messageSvc, log),
		Retries:       handler.NewRetryHandler(retrySvc, log),
	}, handler.RouterConfig{
		JWTSecret:         cfg.JWT.Secret,
		RateLimitRequests: cfg.RateLimit.Requests,
		RateLimitWindow:   cfg.RateLimit.Window,
		CORSOrigins:       cfg.Server.CORSOrigins,
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(workCtx, b.consumer, worker.NewRouter(processor, orchestrator, log), cfg.Queue.Workers, log)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	cancelWork()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("workers did not stop before the shutdown timeout")
	}

	return runErr
}
