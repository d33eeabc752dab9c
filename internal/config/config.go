// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Store        StoreConfig          `yaml:"store"`
	LevelDB      LevelDBConfig        `yaml:"leveldb"`
	Postgres     PostgresConfig       `yaml:"postgres"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Timeouts     TimeoutConfig        `yaml:"timeouts"`
	Crawler      CrawlerConfig        `yaml:"crawler"`
	LLM          LLMConfig            `yaml:"llm"`
	WeChat       WeChatConfig         `yaml:"wechat"`
	Content      ContentConfig        `yaml:"content"`
	NATS         NATSConfig           `yaml:"nats"`
	Pipelines    []PipelineDefinition `yaml:"pipelines"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
}

// StoreConfig selects the TaskStore backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// LevelDBConfig holds LevelDB configuration
type LevelDBConfig struct {
	Path     string        `yaml:"path"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	URL string `yaml:"-"`
}

// OrchestratorConfig holds run scheduling configuration
type OrchestratorConfig struct {
	MaxConcurrentRuns int           `yaml:"maxConcurrentRuns"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	HealthInterval    time.Duration `yaml:"healthInterval"`
}

// TimeoutConfig holds the stage timeouts used when a pipeline stage sets none
type TimeoutConfig struct {
	Fetch   time.Duration `yaml:"fetch"`
	LLM     time.Duration `yaml:"llm"`
	Publish time.Duration `yaml:"publish"`
}

// CrawlerConfig holds fetch stage configuration
type CrawlerConfig struct {
	UserAgent  string  `yaml:"userAgent"`
	MaxRetries int     `yaml:"maxRetries"`
	Rate       float64 `yaml:"rate"`
	Burst      int     `yaml:"burst"`
}

// LLMConfig holds the chat model used by the analyze and compose stages
type LLMConfig struct {
	Driver       string  `yaml:"driver"`
	APIKey       string  `yaml:"-"`
	BaseURL      string  `yaml:"baseURL"`
	Model        string  `yaml:"model"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
	LenientParse bool    `yaml:"lenientParse"`
}

// WeChatConfig holds official account credentials
type WeChatConfig struct {
	AppID     string `yaml:"-"`
	AppSecret string `yaml:"-"`
	BaseURL   string `yaml:"baseURL"`
}

// Configured reports whether credentials are present
func (w WeChatConfig) Configured() bool {
	return w.AppID != "" && w.AppSecret != ""
}

// ContentConfig holds article length bounds
type ContentConfig struct {
	DefaultWordCount int `yaml:"defaultWordCount"`
	MinWordCount     int `yaml:"minWordCount"`
	MaxWordCount     int `yaml:"maxWordCount"`
}

// NATSConfig holds status event publishing configuration
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// PipelineDefinition describes a named pipeline as an ordered list of stages
type PipelineDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Stages      []StageDefinition `yaml:"stages"`
	Defaults    models.Params     `yaml:"defaults"`
}

// StageDefinition describes one stage of a pipeline
type StageDefinition struct {
	Name    string           `yaml:"name"`
	Kind    models.StageKind `yaml:"kind"`
	Timeout time.Duration    `yaml:"timeout"`
}

// StageNames returns the stage names in pipeline order
func (p PipelineDefinition) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// Store drivers
const (
	DriverMemory   = "memory"
	DriverLevelDB  = "leveldb"
	DriverPostgres = "postgres"
)

// LLM drivers
const (
	LLMDriverOpenAI = "openai"
	LLMDriverOllama = "ollama"
)

// Default configuration values
const (
	DefaultServerPort         = "8000"
	DefaultServerReadTimeout  = 30
	DefaultServerWriteTimeout = 30
	DefaultStoreDriver        = DriverMemory
	DefaultLevelDBPath        = "./data/leveldb"
	DefaultFetchCacheTTL      = time.Hour
	DefaultMaxConcurrentRuns  = 10
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultFetchTimeout       = 30 * time.Second
	DefaultLLMTimeout         = 300 * time.Second
	DefaultPublishTimeout     = 60 * time.Second
	DefaultCrawlerUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultCrawlerMaxRetries  = 3
	DefaultCrawlerRate        = 2.0
	DefaultCrawlerBurst       = 4
	DefaultLLMDriver          = LLMDriverOpenAI
	DefaultLLMBaseURL         = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultLLMModel           = "qwen-turbo"
	DefaultLLMTemperature     = 0.7
	DefaultLLMMaxTokens       = 4000
	DefaultWeChatBaseURL      = "https://api.weixin.qq.com"
	DefaultWordCount          = 1000
	DefaultMinWordCount       = 300
	DefaultMaxWordCount       = 5000
	DefaultNATSSubject        = "kx.status"
	DefaultWeChatAuthor       = "KX Smart Creation"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func or[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

// Load reads pipeline definitions from the YAML file at configPath and
// overlays environment variables and defaults. A missing file falls back to
// the built-in pipelines.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using built-in pipelines", "path", configPath)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	config.applyEnv()

	if len(config.Pipelines) == 0 {
		config.Pipelines = DefaultPipelines(config.Content.DefaultWordCount)
	}
	config.resolvePipelines()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default loads configuration from the environment only
func Default() (*Config, error) {
	return Load("")
}

// applyEnv overrides file values with environment variables, then fills defaults
func (c *Config) applyEnv() {
	c.Server = ServerConfig{
		Port:         getEnv("KX_SERVER_PORT", or(c.Server.Port, DefaultServerPort)),
		ReadTimeout:  getEnvInt("KX_SERVER_READ_TIMEOUT", or(c.Server.ReadTimeout, DefaultServerReadTimeout)),
		WriteTimeout: getEnvInt("KX_SERVER_WRITE_TIMEOUT", or(c.Server.WriteTimeout, DefaultServerWriteTimeout)),
	}

	c.Store.Driver = strings.ToLower(getEnv("KX_STORE_DRIVER", or(c.Store.Driver, DefaultStoreDriver)))

	c.LevelDB = LevelDBConfig{
		Path:     getEnv("KX_LEVELDB_PATH", or(c.LevelDB.Path, DefaultLevelDBPath)),
		CacheTTL: getEnvDuration("KX_FETCH_CACHE_TTL", or(c.LevelDB.CacheTTL, DefaultFetchCacheTTL)),
	}

	c.Postgres = PostgresConfig{
		URL: os.Getenv("KX_POSTGRES_URL"),
	}

	c.Orchestrator = OrchestratorConfig{
		MaxConcurrentRuns: getEnvInt("KX_MAX_CONCURRENT_RUNS", or(c.Orchestrator.MaxConcurrentRuns, DefaultMaxConcurrentRuns)),
		ShutdownTimeout:   getEnvDuration("KX_SHUTDOWN_TIMEOUT", or(c.Orchestrator.ShutdownTimeout, DefaultShutdownTimeout)),
		HealthInterval:    getEnvDuration("KX_HEALTH_INTERVAL", or(c.Orchestrator.HealthInterval, DefaultHealthInterval)),
	}

	c.Timeouts = TimeoutConfig{
		Fetch:   getEnvDuration("KX_FETCH_TIMEOUT", or(c.Timeouts.Fetch, DefaultFetchTimeout)),
		LLM:     getEnvDuration("KX_LLM_TIMEOUT", or(c.Timeouts.LLM, DefaultLLMTimeout)),
		Publish: getEnvDuration("KX_PUBLISH_TIMEOUT", or(c.Timeouts.Publish, DefaultPublishTimeout)),
	}

	c.Crawler = CrawlerConfig{
		UserAgent:  getEnv("KX_CRAWLER_USER_AGENT", or(c.Crawler.UserAgent, DefaultCrawlerUserAgent)),
		MaxRetries: getEnvInt("KX_CRAWLER_MAX_RETRIES", or(c.Crawler.MaxRetries, DefaultCrawlerMaxRetries)),
		Rate:       getEnvFloat("KX_CRAWLER_RATE", or(c.Crawler.Rate, DefaultCrawlerRate)),
		Burst:      getEnvInt("KX_CRAWLER_BURST", or(c.Crawler.Burst, DefaultCrawlerBurst)),
	}

	c.LLM = LLMConfig{
		Driver:       strings.ToLower(getEnv("KX_LLM_DRIVER", or(c.LLM.Driver, DefaultLLMDriver))),
		APIKey:       os.Getenv("QWEN_API_KEY"),
		BaseURL:      getEnv("QWEN_BASE_URL", or(c.LLM.BaseURL, DefaultLLMBaseURL)),
		Model:        getEnv("QWEN_MODEL", or(c.LLM.Model, DefaultLLMModel)),
		Temperature:  float32(getEnvFloat("KX_LLM_TEMPERATURE", float64(or(c.LLM.Temperature, DefaultLLMTemperature)))),
		MaxTokens:    getEnvInt("KX_LLM_MAX_TOKENS", or(c.LLM.MaxTokens, DefaultLLMMaxTokens)),
		LenientParse: getEnvBool("KX_LLM_LENIENT_PARSE", c.LLM.LenientParse),
	}

	c.WeChat = WeChatConfig{
		AppID:     os.Getenv("WECHAT_APP_ID"),
		AppSecret: os.Getenv("WECHAT_APP_SECRET"),
		BaseURL:   getEnv("WECHAT_BASE_URL", or(c.WeChat.BaseURL, DefaultWeChatBaseURL)),
	}

	c.Content = ContentConfig{
		DefaultWordCount: getEnvInt("KX_DEFAULT_WORD_COUNT", or(c.Content.DefaultWordCount, DefaultWordCount)),
		MinWordCount:     getEnvInt("KX_MIN_WORD_COUNT", or(c.Content.MinWordCount, DefaultMinWordCount)),
		MaxWordCount:     getEnvInt("KX_MAX_WORD_COUNT", or(c.Content.MaxWordCount, DefaultMaxWordCount)),
	}

	c.NATS = NATSConfig{
		URL:     getEnv("KX_NATS_URL", c.NATS.URL),
		Subject: getEnv("KX_NATS_SUBJECT", or(c.NATS.Subject, DefaultNATSSubject)),
	}
}

// StageTimeout returns the configured timeout for a stage kind
func (c *Config) StageTimeout(kind models.StageKind) time.Duration {
	switch kind {
	case models.StageFetch:
		return c.Timeouts.Fetch
	case models.StageAnalyze, models.StageCompose:
		return c.Timeouts.LLM
	default:
		return c.Timeouts.Publish
	}
}

// resolvePipelines fills stage names, timeouts and word counts left unset
func (c *Config) resolvePipelines() {
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		for j := range p.Stages {
			s := &p.Stages[j]
			if s.Name == "" {
				s.Name = string(s.Kind)
			}
			if s.Timeout <= 0 {
				s.Timeout = c.StageTimeout(s.Kind)
			}
		}
		if p.Defaults.WordCount == 0 {
			p.Defaults.WordCount = c.Content.DefaultWordCount
		}
	}
}

// Validate reports configuration that cannot be served
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverLevelDB:
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("KX_POSTGRES_URL environment variable is required for the %s store", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.LLM.Driver {
	case LLMDriverOpenAI, LLMDriverOllama:
	default:
		return fmt.Errorf("unknown llm driver %q", c.LLM.Driver)
	}

	if c.Orchestrator.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max concurrent runs must be positive, got %d", c.Orchestrator.MaxConcurrentRuns)
	}
	if c.Content.MinWordCount > c.Content.MaxWordCount {
		return fmt.Errorf("min word count %d exceeds max %d", c.Content.MinWordCount, c.Content.MaxWordCount)
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return errors.New("pipeline without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Stages) == 0 {
			return fmt.Errorf("pipeline %q has no stages", p.Name)
		}
		for _, s := range p.Stages {
			if !s.Kind.Valid() {
				return fmt.Errorf("pipeline %q: stage %q has unknown kind %q", p.Name, s.Name, s.Kind)
			}
		}
	}
	return nil
}

// DefaultPipelines returns the built-in url_to_article and url_to_wechat pipelines
func DefaultPipelines(wordCount int) []PipelineDefinition {
	if wordCount <= 0 {
		wordCount = DefaultWordCount
	}
	article := models.Params{
		ArticleStyle:   "professional",
		TargetAudience: "general",
		WordCount:      wordCount,
		ExtractImages:  true,
		ExtractLinks:   true,
	}
	wechat := article
	wechat.ExtractLinks = false
	wechat.Platform = "wechat"
	wechat.Author = DefaultWeChatAuthor

	return []PipelineDefinition{
		{
			Name:        "url_to_article",
			Description: "Fetch a URL, analyze it and compose an article",
			Stages: []StageDefinition{
				{Name: "fetch", Kind: models.StageFetch},
				{Name: "analyze", Kind: models.StageAnalyze},
				{Name: "compose", Kind: models.StageCompose},
			},
			Defaults: article,
		},
		{
			Name:        "url_to_wechat",
			Description: "Fetch a URL, compose an article and publish it to a WeChat official account",
			Stages: []StageDefinition{
				{Name: "fetch", Kind: models.StageFetch},
				{Name: "analyze", Kind: models.StageAnalyze},
				{Name: "compose", Kind: models.StageCompose},
				{Name: "publish", Kind: models.StagePublish},
			},
			Defaults: wechat,
		},
	}
}
