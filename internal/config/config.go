package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting needed to boot kube-memory.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Memory     MemoryConfig     `yaml:"memory"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
}

// KubernetesConfig controls the read-only cluster connection and the watchers.
type KubernetesConfig struct {
	Kubeconfig           string        `yaml:"kubeconfig"`
	Namespaces           []string      `yaml:"namespaces"`
	ProductionNamespaces []string      `yaml:"productionNamespaces"`
	WatchTimeout         time.Duration `yaml:"watchTimeout"`
	DedupTTL             time.Duration `yaml:"dedupTTL"`
	DedupMaxEntries      int           `yaml:"dedupMaxEntries"`
	LogTailLines         int64         `yaml:"logTailLines"`
	EnrichTimeout        time.Duration `yaml:"enrichTimeout"`
	EventsPerSecond      float64       `yaml:"eventsPerSecond"`
	EventBurst           int           `yaml:"eventBurst"`
	Backoff              BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// MemoryConfig selects and tunes the vector and graph backends.
type MemoryConfig struct {
	Vector              VectorConfig  `yaml:"vector"`
	Graph               GraphConfig   `yaml:"graph"`
	CorrectionWeight    float64       `yaml:"correctionWeight"`
	DeployTriggerWindow time.Duration `yaml:"deployTriggerWindow"`
	WriteRetries        int           `yaml:"writeRetries"`
}

// VectorConfig configures the semantic store. Backend is "memory" or "weaviate".
type VectorConfig struct {
	Backend  string        `yaml:"backend"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GraphConfig configures the causal store. Backend is "memory" or "neo4j".
type GraphConfig struct {
	Backend  string `yaml:"backend"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EmbeddingConfig selects the embedding capability. Provider is "hash" or "ollama".
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"baseURL"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig selects the generation backend. Provider is "ollama", "claude", "openai" or "none".
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
}

// PipelineConfig controls retrieval depth and per-stage timeouts.
type PipelineConfig struct {
	TopK              int           `yaml:"topK"`
	BlastRadiusWindow time.Duration `yaml:"blastRadiusWindow"`
	DeployWindow      time.Duration `yaml:"deployWindow"`
	RetrieveTimeout   time.Duration `yaml:"retrieveTimeout"`
	CorrelateTimeout  time.Duration `yaml:"correlateTimeout"`
	GenerateTimeout   time.Duration `yaml:"generateTimeout"`
	LockTTL           time.Duration `yaml:"lockTTL"`
}

// IngestConfig sizes the background worker pool.
type IngestConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queueSize"`
	MaxDeliveries int           `yaml:"maxDeliveries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	AutoAnalyze   bool          `yaml:"autoAnalyze"`
}

// FeedbackConfig bounds fix submissions.
type FeedbackConfig struct {
	MaxFixesPerHour int `yaml:"maxFixesPerHour"`
}

// NotifyConfig lists push listeners.
type NotifyConfig struct {
	SubscriberBuffer int             `yaml:"subscriberBuffer"`
	Webhooks         []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one HTTP push target.
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig points at the fix-type rule pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the Valkey-backed shared cache and analysis lock.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SimilarTTL   time.Duration `yaml:"similarTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("KUBE_MEMORY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch c.Memory.Vector.Backend {
	case "memory", "weaviate":
	default:
		return fmt.Errorf("memory.vector.backend must be memory or weaviate, got %q", c.Memory.Vector.Backend)
	}
	if c.Memory.Vector.Backend == "weaviate" && c.Memory.Vector.Endpoint == "" {
		return fmt.Errorf("memory.vector.endpoint is required for the weaviate backend")
	}
	switch c.Memory.Graph.Backend {
	case "memory", "neo4j":
	default:
		return fmt.Errorf("memory.graph.backend must be memory or neo4j, got %q", c.Memory.Graph.Backend)
	}
	if c.Memory.Graph.Backend == "neo4j" && c.Memory.Graph.URI == "" {
		return fmt.Errorf("memory.graph.uri is required for the neo4j backend")
	}
	if c.Memory.CorrectionWeight <= 1 {
		return fmt.Errorf("memory.correctionWeight must exceed 1, got %v", c.Memory.CorrectionWeight)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.topK must be positive")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.workers and ingest.queueSize must be positive")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			Reflection:      true,
		},
		Kubernetes: KubernetesConfig{
			Namespaces:           []string{"default"},
			ProductionNamespaces: []string{"production", "prod"},
			WatchTimeout:         600 * time.Second,
			DedupTTL:             5 * time.Minute,
			DedupMaxEntries:      4096,
			LogTailLines:         100,
			EnrichTimeout:        10 * time.Second,
			EventsPerSecond:      50,
			EventBurst:           100,
			Backoff: BackoffConfig{
				Initial: time.Second,
				Max:     60 * time.Second,
				Factor:  2,
				Jitter:  0.2,
			},
		},
		Memory: MemoryConfig{
			Vector:              VectorConfig{Backend: "memory", Class: "IncidentMemory", Timeout: 5 * time.Second},
			Graph:               GraphConfig{Backend: "memory", Database: "neo4j"},
			CorrectionWeight:    1.5,
			DeployTriggerWindow: 2 * time.Hour,
			WriteRetries:        3,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 256,
			Timeout:    10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2",
			BaseURL:  "http://localhost:11434",
		},
		Pipeline: PipelineConfig{
			TopK:              5,
			BlastRadiusWindow: 5 * time.Minute,
			DeployWindow:      2 * time.Hour,
			RetrieveTimeout:   10 * time.Second,
			CorrelateTimeout:  10 * time.Second,
			GenerateTimeout:   60 * time.Second,
			LockTTL:           2 * time.Minute,
		},
		Ingest: IngestConfig{
			Workers:       4,
			QueueSize:     1024,
			MaxDeliveries: 5,
			RetryDelay:    2 * time.Second,
			AutoAnalyze:   true,
		},
		Feedback: FeedbackConfig{MaxFixesPerHour: 10},
		Notify:   NotifyConfig{SubscriberBuffer: 64},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Rules:    RulesConfig{Path: "configs/rules/fix-types.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SimilarTTL:   30 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Address, "KUBE_MEMORY_SERVER_ADDRESS")
	setString(&cfg.Server.MetricsAddress, "KUBE_MEMORY_METRICS_ADDRESS")
	setString(&cfg.Kubernetes.Kubeconfig, "KUBECONFIG")
	setString(&cfg.Kubernetes.Kubeconfig, "KUBE_MEMORY_KUBECONFIG")
	if v := os.Getenv("KUBE_MEMORY_NAMESPACES"); v != "" {
		cfg.Kubernetes.Namespaces = splitList(v)
	}
	if v := os.Getenv("KUBE_MEMORY_PRODUCTION_NAMESPACES"); v != "" {
		cfg.Kubernetes.ProductionNamespaces = splitList(v)
	}
	setDuration(&cfg.Kubernetes.WatchTimeout, "KUBE_MEMORY_WATCH_TIMEOUT")
	setDuration(&cfg.Kubernetes.DedupTTL, "KUBE_MEMORY_DEDUP_TTL")

	setString(&cfg.Memory.Vector.Backend, "KUBE_MEMORY_VECTOR_BACKEND")
	setString(&cfg.Memory.Vector.Endpoint, "KUBE_MEMORY_WEAVIATE_URL")
	setString(&cfg.Memory.Vector.APIKey, "KUBE_MEMORY_WEAVIATE_API_KEY")
	setString(&cfg.Memory.Graph.Backend, "KUBE_MEMORY_GRAPH_BACKEND")
	setString(&cfg.Memory.Graph.URI, "KUBE_MEMORY_NEO4J_URI")
	setString(&cfg.Memory.Graph.Username, "KUBE_MEMORY_NEO4J_USER")
	setString(&cfg.Memory.Graph.Password, "KUBE_MEMORY_NEO4J_PASSWORD")

	setString(&cfg.Embedding.Provider, "KUBE_MEMORY_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.BaseURL, "OLLAMA_BASE_URL")
	setString(&cfg.LLM.BaseURL, "OLLAMA_BASE_URL")
	setString(&cfg.LLM.Provider, "KUBE_MEMORY_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "KUBE_MEMORY_LLM_MODEL")
	switch strings.ToLower(cfg.LLM.Provider) {
	case "claude":
		setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	case "openai":
		setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
	setDuration(&cfg.Pipeline.GenerateTimeout, "KUBE_MEMORY_GENERATE_TIMEOUT")

	setString(&cfg.Logging.Level, "KUBE_MEMORY_LOG_LEVEL")
	if v := os.Getenv("KUBE_MEMORY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	setString(&cfg.Rules.Path, "KUBE_MEMORY_RULES_PATH")

	setString(&cfg.Cache.Addr, "KUBE_MEMORY_CACHE_ADDR")
	if v := os.Getenv("KUBE_MEMORY_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	setString(&cfg.Cache.Username, "KUBE_MEMORY_CACHE_USERNAME")
	setString(&cfg.Cache.Password, "KUBE_MEMORY_CACHE_PASSWORD")
	if v := os.Getenv("KUBE_MEMORY_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("KUBE_MEMORY_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
