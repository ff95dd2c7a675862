package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider      string             `yaml:"provider"`
	APIKey        string             `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel    string             `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ChatModel     string             `yaml:"providerChatModel" envconfig:"PROVIDER_CHAT_MODEL"`
	ProjectID     string             `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location      string             `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	BaseURL       string             `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	Dim           int                `yaml:"providerDim" envconfig:"EMBED_DIM"`
	RPS           float64            `yaml:"providerRPS" envconfig:"PROVIDER_RPS"`
	AnswerEnabled bool               `yaml:"answerEnabled" split_words:"true"`
	Index         IndexSpecification `yaml:"index"`
	Database      string             `yaml:"database" envconfig:"DB_URL"`
	RAG           RAGSpecification   `yaml:"rag"`
	ArtifactsDir  string             `yaml:"artifactsDir" split_words:"true"`
	LogLevel      string             `yaml:"logLevel" split_words:"true"`
	Port          int                `yaml:"port" split_words:"true"`
	Auth          AuthSpecification  `yaml:"auth"`

	flags *pflag.FlagSet `ignored:"true"`
}

// IndexSpecification selects where the vector index is persisted:
// memory, file, s3 or postgres.
type IndexSpecification struct {
	Backend      string          `yaml:"backend"`
	Path         string          `yaml:"path"`
	WriteThrough bool            `yaml:"writeThrough" split_words:"true"`
	S3           S3Specification `yaml:"s3"`
}

type S3Specification struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey" split_words:"true"`
	SecretKey string `yaml:"secretKey" split_words:"true"`
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	UseSSL    bool   `yaml:"useSSL" envconfig:"USE_SSL"`
}

type RAGSpecification struct {
	TopK              int           `yaml:"topK" split_words:"true"`
	MaxContextChars   int           `yaml:"maxContextChars" split_words:"true"`
	SimilarityFloor   float64       `yaml:"similarityFloor" split_words:"true"`
	EmbedTimeout      time.Duration `yaml:"embedTimeout" split_words:"true"`
	AnswerTimeout     time.Duration `yaml:"answerTimeout" split_words:"true"`
	EmbedBatchSize    int           `yaml:"embedBatchSize" split_words:"true"`
	EmbedParallel     int           `yaml:"embedParallel" split_words:"true"`
	QueryCacheSize    int           `yaml:"queryCacheSize" split_words:"true"`
	ArtifactCacheSize int           `yaml:"artifactCacheSize" split_words:"true"`
}

type AuthSpecification struct {
	Enabled   bool          `yaml:"enabled"`
	JwtSecret string        `yaml:"jwtSecret" split_words:"true"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL" envconfig:"TOKEN_TTL"`
}

const envPrefix = "CODEQA"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env (.env included) < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// .env never overrides variables that are already set
	if fileExists(".env") {
		if err := godotenv.Load(".env"); err != nil {
			return Specification{}, fmt.Errorf("load .env: %w", err)
		}
	}

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/codeqa.yaml",
				"config/config.yaml",
				"./codeqa.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

// Validate checks ranges and backend-specific requirements.
func (s *Specification) Validate() error {
	switch s.Provider {
	case "stub", "openai", "gemini":
	default:
		return fmt.Errorf("unsupported provider %q (stub|openai|gemini)", s.Provider)
	}
	if s.RAG.TopK <= 0 {
		return fmt.Errorf("rag.topK must be positive, got %d", s.RAG.TopK)
	}
	if s.RAG.MaxContextChars <= 0 {
		return fmt.Errorf("rag.maxContextChars must be positive, got %d", s.RAG.MaxContextChars)
	}
	if s.RAG.SimilarityFloor < 0 || s.RAG.SimilarityFloor >= 1 {
		return fmt.Errorf("rag.similarityFloor must be in [0,1), got %v", s.RAG.SimilarityFloor)
	}

	switch strings.ToLower(s.Index.Backend) {
	case "memory":
	case "file":
		if strings.TrimSpace(s.Index.Path) == "" {
			return fmt.Errorf("%s_INDEX_PATH is required for the file backend", envPrefix)
		}
	case "postgres":
		if strings.TrimSpace(s.Database) == "" {
			return fmt.Errorf("%s_DB_URL is required for the postgres backend", envPrefix)
		}
	case "s3":
		if strings.TrimSpace(s.Index.S3.Endpoint) == "" || strings.TrimSpace(s.Index.S3.Bucket) == "" {
			return fmt.Errorf("index.s3.endpoint and index.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported index backend %q (memory|file|s3|postgres)", s.Index.Backend)
	}

	if s.Auth.Enabled && strings.TrimSpace(s.Auth.JwtSecret) == "" {
		return fmt.Errorf("%s_AUTH_JWT_SECRET is required when auth is enabled", envPrefix)
	}
	return nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (stub|openai|gemini)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-chat-model", c.ChatModel, "Provider chat model used for answers")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.String("provider-base-url", c.BaseURL, "Provider base URL (OpenAI-compatible servers)")
	fs.Float64("provider-rps", c.RPS, "Maximum provider requests per second (0 = unlimited)")
	fs.Bool("answer-enabled", c.AnswerEnabled, "Use the provider to generate answers")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("index-backend", c.Index.Backend, "Index persistence backend (memory|file|s3|postgres)")
	fs.String("index-path", c.Index.Path, "Index snapshot file for the file backend")
	fs.Bool("index-write-through", c.Index.WriteThrough, "Persist every index write immediately")
	fs.String("db-url", c.Database, "Database URL (DSN)")

	fs.Int("top-k", c.RAG.TopK, "Number of chunks to retrieve")
	fs.Int("max-context-chars", c.RAG.MaxContextChars, "Maximum size of the assembled context")
	fs.Float64("similarity-floor", c.RAG.SimilarityFloor, "Minimum similarity for a retrieved chunk")
	fs.Duration("embed-timeout", c.RAG.EmbedTimeout, "Timeout for a query embedding call")
	fs.Duration("answer-timeout", c.RAG.AnswerTimeout, "Timeout for an answer generation call")

	fs.String("artifacts-dir", c.ArtifactsDir, "Directory of analysis artifact JSON files")
	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	fs.Bool("auth-enabled", c.Auth.Enabled, "Require bearer tokens on the API")
	fs.String("auth-jwt-secret", c.Auth.JwtSecret, "JWT secret for signing tokens")
	fs.String("auth-issuer", c.Auth.Issuer, "JWT issuer")
	fs.Duration("auth-token-ttl", c.Auth.TokenTTL, "Lifetime of issued tokens")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if fs.Changed(name) {
			v, _ := fs.GetFloat64(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-chat-model", &c.ChatModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setStr("provider-base-url", &c.BaseURL)
	setFloat("provider-rps", &c.RPS)
	setBool("answer-enabled", &c.AnswerEnabled)

	setInt("embed-dim", &c.Dim)

	setStr("index-backend", &c.Index.Backend)
	setStr("index-path", &c.Index.Path)
	setBool("index-write-through", &c.Index.WriteThrough)
	setStr("db-url", &c.Database)

	setInt("top-k", &c.RAG.TopK)
	setInt("max-context-chars", &c.RAG.MaxContextChars)
	setFloat("similarity-floor", &c.RAG.SimilarityFloor)
	setDur("embed-timeout", &c.RAG.EmbedTimeout)
	setDur("answer-timeout", &c.RAG.AnswerTimeout)

	setStr("artifacts-dir", &c.ArtifactsDir)
	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)

	// Auth flags
	setBool("auth-enabled", &c.Auth.Enabled)
	setStr("auth-jwt-secret", &c.Auth.JwtSecret)
	setStr("auth-issuer", &c.Auth.Issuer)
	setDur("auth-token-ttl", &c.Auth.TokenTTL)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.Location = "us-central1"
	c.Dim = 0
	c.Port = 8080
	c.ArtifactsDir = "."

	c.Index.Backend = "file"
	c.Index.Path = "data/codeqa-index.zst"

	c.RAG = RAGSpecification{
		TopK:              5,
		MaxContextChars:   4000,
		SimilarityFloor:   0.15,
		EmbedTimeout:      15 * time.Second,
		AnswerTimeout:     30 * time.Second,
		EmbedBatchSize:    32,
		EmbedParallel:     4,
		QueryCacheSize:    256,
		ArtifactCacheSize: 64,
	}

	c.Auth.Enabled = false
	c.Auth.Issuer = "codeqa"
	c.Auth.TokenTTL = 24 * time.Hour
}
