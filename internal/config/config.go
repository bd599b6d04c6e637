package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory    = "memory"
	StoreDynamoDB  = "dynamodb"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"

	BlobLocal = "local"
	BlobS3    = "s3"

	// lambdaWritableDir is the only writable path in a Lambda sandbox.
	lambdaWritableDir = "/tmp"
)

type (
	Config struct {
		HTTP         HTTP
		Log          Log
		URL          URL
		Store        Store
		Blob         Blob
		Secrets      Secrets
		OpenAI       OpenAI
		Azure        Azure
		Twilio       Twilio
		Conversation Conversation
		Overlay      Overlay
		Lambda       Lambda
	}

	HTTP struct {
		Port            string        `env:"PORT" envDefault:"3000"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}

	// URL holds the candidates for the public base URL, in precedence order.
	URL struct {
		Public string `env:"PUBLIC_BASE_URL"`
		Ngrok  string `env:"NGROK_URL"`
		Base   string `env:"BASE_URL"`
	}

	Store struct {
		Backend          string        `env:"STORE_BACKEND" envDefault:"memory"`
		Container        string        `env:"STORE_CONTAINER" envDefault:"aivr"`
		Collection       string        `env:"STORE_COLLECTION" envDefault:"aivr_storage"`
		DynamoTableWait  time.Duration `env:"DYNAMODB_TABLE_WAIT" envDefault:"2m"`
		FirestoreProject string        `env:"FIRESTORE_PROJECT"`
		PostgresURL      string        `env:"PG_URL"`
	}

	Blob struct {
		Backend        string `env:"BLOB_BACKEND" envDefault:"local"`
		Dir            string `env:"MEDIA_DIR" envDefault:"media"`
		S3Bucket       string `env:"S3_BUCKET"`
		S3Prefix       string `env:"S3_PREFIX" envDefault:"media"`
		S3Endpoint     string `env:"S3_ENDPOINT"`
		S3AccessKey    string `env:"S3_ACCESS_KEY"`
		S3SecretKey    string `env:"S3_SECRET_KEY"`
		S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`
		S3ConnAttempts int    `env:"S3_CONN_ATTEMPTS" envDefault:"5"`
	}

	// Secrets come from the environment first and from SSM under ParamPrefix
	// when the environment value is empty.
	Secrets struct {
		ParamPrefix     string `env:"PARAM_PREFIX"`
		OpenAIKey       string `env:"OPENAI_API_KEY"`
		AzureKey        string `env:"AZURE_OPENAI_API_KEY"`
		TwilioAuthToken string `env:"TWILIO_AUTH_TOKEN"`
		APIKey          string `env:"API_KEY"`
	}

	OpenAI struct {
		BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
		Model   string `env:"OPENAI_IMAGE_MODEL" envDefault:"gpt-image-1"`
		Size    string `env:"IMAGE_SIZE" envDefault:"1024x1024"`
	}

	Azure struct {
		Endpoint   string `env:"AZURE_OPENAI_ENDPOINT"`
		Deployment string `env:"AZURE_OPENAI_DEPLOYMENT_NAME"`
		APIVersion string `env:"AZURE_OPENAI_API_VERSION" envDefault:"2024-02-15-preview"`
	}

	Twilio struct {
		AccountSID        string `env:"TWILIO_ACCOUNT_SID"`
		WhatsAppFrom      string `env:"TWILIO_WHATSAPP_FROM_NUMBER"`
		StyleTemplateSID  string `env:"TWILIO_STYLE_TEMPLATE_SID"`
		ValidateSignature bool   `env:"TWILIO_VALIDATE_SIGNATURE" envDefault:"false"`
	}

	Conversation struct {
		SessionPurpose string        `env:"SESSION_PURPOSE" envDefault:"whatsapp"`
		GreetedTTL     time.Duration `env:"GREETED_TTL" envDefault:"1h"`
		StyleTTL       time.Duration `env:"STYLE_TTL" envDefault:"1h"`
		MediaTTL       time.Duration `env:"MEDIA_TTL" envDefault:"168h"`
	}

	// Lambda is populated by the Lambda runtime. FunctionName is empty
	// everywhere else.
	Lambda struct {
		FunctionName   string `env:"AWS_LAMBDA_FUNCTION_NAME"`
		WorkerFunction string `env:"WORKER_FUNCTION_NAME"`
		AsyncJobs      bool   `env:"LAMBDA_ASYNC_JOBS" envDefault:"true"`
	}

	Overlay struct {
		Enabled bool   `env:"OVERLAY_ENABLED" envDefault:"true"`
		MaskURL string `env:"OVERLAY_MASK_URL" envDefault:"https://sepia-loris-2302.twil.io/assets/twilio_mask.png"`
	}
)

func New() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if cfg.InLambda() && cfg.Blob.Dir != "" && !filepath.IsAbs(cfg.Blob.Dir) {
		cfg.Blob.Dir = filepath.Join(lambdaWritableDir, cfg.Blob.Dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case StoreMemory, StoreDynamoDB:
	case StoreFirestore:
		if c.Store.FirestoreProject == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT is required for the firestore store"))
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("PG_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("MEDIA_DIR is required for the local blob store"))
		}
	case BlobS3:
		if c.Blob.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 blob store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.Blob.Backend))
	}

	for name, d := range map[string]time.Duration{
		"GREETED_TTL": c.Conversation.GreetedTTL,
		"STYLE_TTL":   c.Conversation.StyleTTL,
		"MEDIA_TTL":   c.Conversation.MediaTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// PublicURL is the externally reachable base URL used for media links and
// status callbacks, without a trailing slash.
func (c *Config) PublicURL() string {
	for _, u := range []string{c.URL.Public, c.URL.Ngrok, c.URL.Base} {
		if u = strings.TrimSpace(u); u != "" {
			return strings.TrimRight(u, "/")
		}
	}
	return "http://localhost:" + c.HTTP.Port
}

// UsesAWS reports whether any configured component needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.Store.Backend == StoreDynamoDB || c.Blob.Backend == BlobS3 || c.Secrets.ParamPrefix != "" || c.LambdaJobs()
}

// InLambda reports whether the process runs inside the Lambda runtime.
func (c *Config) InLambda() bool {
	return c.Lambda.FunctionName != ""
}

// LambdaJobs reports whether webhook work is handed to an asynchronous
// Lambda invocation instead of running inside the request.
func (c *Config) LambdaJobs() bool {
	return c.InLambda() && c.Lambda.AsyncJobs
}

// WorkerFunctionName is the function that runs handed-off jobs. It defaults
// to the current function.
func (c *Config) WorkerFunctionName() string {
	if c.Lambda.WorkerFunction != "" {
		return c.Lambda.WorkerFunction
	}
	return c.Lambda.FunctionName
}

// MaskURL is the overlay mask to composite, or "" when overlays are off.
func (c *Config) MaskURL() string {
	if !c.Overlay.Enabled {
		return ""
	}
	return strings.TrimSpace(c.Overlay.MaskURL)
}
