// Package app wires configuration into a ready handler for both entrypoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"aivr-agent/handler"
	"aivr-agent/internal/blob"
	"aivr-agent/internal/compositor"
	"aivr-agent/internal/config"
	"aivr-agent/internal/dispatch"
	"aivr-agent/internal/httpserver"
	"aivr-agent/internal/integrations/lambdainvoke"
	"aivr-agent/internal/integrations/openai"
	"aivr-agent/internal/integrations/paramstore"
	"aivr-agent/internal/integrations/s3client"
	"aivr-agent/internal/integrations/twilio"
	"aivr-agent/internal/mediatrack"
	"aivr-agent/internal/observability"
	"aivr-agent/internal/repository"
	"aivr-agent/internal/repository/dynamo"
	"aivr-agent/internal/repository/firestore"
	"aivr-agent/internal/repository/memory"
	"aivr-agent/internal/repository/postgres"
	"aivr-agent/internal/session"
	"aivr-agent/internal/ttlstore"
	"aivr-agent/internal/usecase"
)

// Parameter Store names, relative to PARAM_PREFIX.
const (
	paramOpenAIKey   = "open-ai-token"
	paramAzureKey    = "azure-open-ai-token"
	paramTwilioToken = "twilio-auth-token"
	paramAPIKey      = "api-key"
)

// App is the wired application.
type App struct {
	Handler *handler.Handler
	Runner  *dispatch.Runner
	Logger  *slog.Logger

	closers []func()
}

// Build constructs every component selected by cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.Log.Level)
	a := &App{Logger: logger}

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.UsesAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app - Build - awsconfig.LoadDefaultConfig: %w", err)
		}
	}

	// ---- Storage ----
	repo, err := a.newRepository(ctx, cfg, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	runner, err := dispatch.NewRunner(logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - dispatch.NewRunner: %w", err)
	}
	a.Runner = runner

	kv, err := ttlstore.New(repo, runner, logger, ttlstore.WithNames(cfg.Store.Container, cfg.Store.Collection))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - ttlstore.New: %w", err)
	}
	sessions, err := session.New(kv, cfg.Conversation.SessionPurpose)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - session.New: %w", err)
	}

	blobs, err := newBlobStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	tracker, err := mediatrack.New(kv, blobs, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - mediatrack.New: %w", err)
	}

	// ---- Secrets ----
	var getter paramstore.Getter
	if cfg.Secrets.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app - Build - paramstore.New: %w", err)
		}
		getter = ssmClient
	}
	prefix := cfg.Secrets.ParamPrefix
	openAIKey := paramstore.NewSecret(paramOpenAIKey, cfg.Secrets.OpenAIKey, getter, prefix)
	azureKey := paramstore.NewSecret(paramAzureKey, cfg.Secrets.AzureKey, getter, prefix)
	twilioToken := paramstore.NewSecret(paramTwilioToken, cfg.Secrets.TwilioAuthToken, getter, prefix)
	apiKey := paramstore.NewSecret(paramAPIKey, cfg.Secrets.APIKey, getter, prefix)

	// ---- Clients ----
	images, err := openai.NewClient(openAIKey,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithModel(cfg.OpenAI.Model),
		openai.WithSize(cfg.OpenAI.Size),
		openai.WithAzure(cfg.Azure.Endpoint, cfg.Azure.Deployment, cfg.Azure.APIVersion, azureKey),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - openai.NewClient: %w", err)
	}
	messenger, err := twilio.New(cfg.Twilio.AccountSID, cfg.Twilio.WhatsAppFrom, twilioToken)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - twilio.New: %w", err)
	}

	// ---- Use case ----
	conversation, err := usecase.NewConversationService(usecase.Deps{
		Sessions:   sessions,
		Media:      tracker,
		Blobs:      blobs,
		Messenger:  messenger,
		Images:     images,
		Compositor: compositor.New(cfg.MaskURL()),
		APIKey:     apiKey,
		Records:    kv,
		Logger:     logger,
	}, usecase.Config{
		PublicBaseURL:    cfg.PublicURL(),
		StyleTemplateSID: cfg.Twilio.StyleTemplateSID,
		GreetedTTL:       cfg.Conversation.GreetedTTL,
		StyleTTL:         cfg.Conversation.StyleTTL,
		MediaTTL:         cfg.Conversation.MediaTTL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - usecase.NewConversationService: %w", err)
	}

	// ---- Handler ----
	var opts []handler.Option
	if cfg.Twilio.ValidateSignature {
		opts = append(opts, handler.WithSignatureValidation(messenger, cfg.PublicURL()))
	}
	if cfg.LambdaJobs() {
		queue, err := lambdainvoke.New(awslambda.NewFromConfig(awsCfg), cfg.WorkerFunctionName())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app - Build - lambdainvoke.New: %w", err)
		}
		opts = append(opts, handler.WithJobQueue(queue))
	}
	h, err := handler.NewHandler(conversation, tracker, blobs, runner, logger, opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app - Build - handler.NewHandler: %w", err)
	}
	a.Handler = h

	logger.Info("application built",
		"store", cfg.Store.Backend,
		"blob", cfg.Blob.Backend,
		"public_url", cfg.PublicURL(),
		"overlay", cfg.MaskURL() != "",
		"lambda_jobs", cfg.LambdaJobs(),
	)
	return a, nil
}

func (a *App) newRepository(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (repository.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreDynamoDB:
		store, err := dynamo.New(awsdynamodb.NewFromConfig(awsCfg), dynamo.WithTableWait(cfg.Store.DynamoTableWait))
		if err != nil {
			return nil, fmt.Errorf("app - Build - dynamo.New: %w", err)
		}
		return store, nil
	case config.StoreFirestore:
		store, err := firestore.NewStore(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("app - Build - firestore.NewStore: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("app - Build - postgres.Connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store, err := postgres.New(pool)
		if err != nil {
			return nil, fmt.Errorf("app - Build - postgres.New: %w", err)
		}
		return store, nil
	case config.StoreMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("app - Build: unknown store backend %q", cfg.Store.Backend)
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobS3:
		var opts []s3client.Option
		opts = append(opts, s3client.ConnAttempts(cfg.Blob.S3ConnAttempts), s3client.UsePathStyle(cfg.Blob.S3UsePathStyle))
		if cfg.Blob.S3Endpoint != "" {
			opts = append(opts, s3client.Endpoint(cfg.Blob.S3Endpoint))
		}
		if cfg.Blob.S3AccessKey != "" {
			opts = append(opts, s3client.StaticCredentials(cfg.Blob.S3AccessKey, cfg.Blob.S3SecretKey))
		}
		s3c, err := s3client.New(ctx, awsCfg, cfg.Blob.S3Bucket, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("app - Build - s3client.New: %w", err)
		}
		store, err := blob.NewS3Store(s3c.Client, cfg.Blob.S3Bucket, cfg.Blob.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("app - Build - blob.NewS3Store: %w", err)
		}
		return store, nil
	case config.BlobLocal:
		store, err := blob.NewLocalStore(cfg.Blob.Dir)
		if err != nil {
			return nil, fmt.Errorf("app - Build - blob.NewLocalStore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("app - Build: unknown blob backend %q", cfg.Blob.Backend)
	}
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run serves the application over HTTP until SIGINT or SIGTERM, then drains
// in-flight detached work before returning.
func Run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// HTTP Server
	httpServer := httpserver.New(a.Logger,
		httpserver.Port(cfg.HTTP.Port),
		httpserver.ReadTimeout(cfg.HTTP.ReadTimeout),
		httpserver.WriteTimeout(cfg.HTTP.WriteTimeout),
		httpserver.ShutdownTimeout(cfg.HTTP.ShutdownTimeout),
	)
	a.Handler.Register(httpServer.App)
	httpServer.Start()

	// Waiting Signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-interrupt:
		a.Logger.Info("received signal", "signal", s.String())
	case err = <-httpServer.Notify():
		a.Logger.Error("http server stopped unexpectedly", "err", err)
		runErr = fmt.Errorf("app - Run - httpServer.Notify: %w", err)
	}

	// Shutdown
	if err := httpServer.Shutdown(); err != nil {
		a.Logger.Error("http server shutdown", "err", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer drainCancel()
	if err := a.Runner.Wait(drainCtx); err != nil {
		a.Logger.Error("detached work did not finish before shutdown", "err", err)
		runErr = errors.Join(runErr, err)
	}

	return runErr
}
