package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"professor-agent/handler"
	"professor-agent/internal/config"
	"professor-agent/internal/integrations/openai"
	"professor-agent/internal/integrations/paramstore"
	"professor-agent/internal/integrations/pinecone"
	"professor-agent/internal/metrics"
	"professor-agent/internal/repository"
	"professor-agent/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	inLambda := os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(inLambda, cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- AWS SDK config, only when SSM or DynamoDB is in play ----
	var awsCfg aws.Config
	if cfg.NeedsParamStore() || cfg.StateTable != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
	}

	var params paramstore.Getter
	if cfg.NeedsParamStore() {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		params = ssmClient
	}
	if err := cfg.ResolveSecrets(ctx, params); err != nil {
		fatal("invalid configuration", err)
	}

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		fatal("failed to load system prompt", err)
	}

	// ---- Clients ----
	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiClient, err := openai.NewClient(cfg.OpenAIAPIKey, openaiOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	var pineconeOpts []pinecone.Option
	if cfg.PineconeIndexHost != "" {
		pineconeOpts = append(pineconeOpts, pinecone.WithIndexHost(cfg.PineconeIndexHost))
	}
	index, err := pinecone.New(cfg.PineconeAPIKey, pineconeOpts...)
	if err != nil {
		fatal("failed to create Pinecone client", err)
	}

	askOpts := []usecase.Option{
		usecase.WithSystemPrompt(systemPrompt),
		usecase.WithLogger(logger),
	}
	handlerOpts := []handler.Option{handler.WithLogger(logger)}
	if cfg.StateTable != "" {
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			fatal("failed to create transcript store", err)
		}
		askOpts = append(askOpts, usecase.WithTranscripts(store))
		handlerOpts = append(handlerOpts, handler.WithTranscripts(store))
	}

	// ---- Handler ----
	askService, err := usecase.NewAskService(openaiClient, index, openaiClient, askOpts...)
	if err != nil {
		fatal("failed to create ask service", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handlerOpts = append(handlerOpts, handler.WithMetrics(metrics.New(reg)))

	h, err := handler.NewHandler(askService, handlerOpts...)
	if err != nil {
		fatal("failed to create handler", err)
	}

	if inLambda {
		lambda.Start(h.HandleFunctionURL)
		return
	}
	err = serve(h, reg, cfg.ListenAddr, logger)
	askService.Wait()
	if err != nil {
		fatal("server failed", err)
	}
}

func serve(h *handler.Handler, gatherer prometheus.Gatherer, addr string, logger *slog.Logger) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.NewRouter(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(inLambda bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if inLambda {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
