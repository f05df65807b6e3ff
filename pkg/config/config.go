package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Version   string
	Server    ServerConfig
	Logging   LoggingConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Zilliz    ZillizConfig
	Neo4j     Neo4jConfig
	LLM       LLMConfig
	Models    ModelsConfig
	Retrieval RetrievalConfig
	Grounding GroundingConfig
	Gate      GateConfig
	Scope     ScopeConfig
	Roles     map[string]RoleConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	MaxQueryLength int
	AllowedOrigins []string
	Environment    string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL time.Duration
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// LLMConfig holds provider credentials. Which model serves which capability
// is set in Models.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type ModelsConfig struct {
	Version string
	Routes  map[string]RouteConfig
}

type RouteConfig struct {
	Backend string
	Model   string
	Version string
}

type RetrievalConfig struct {
	Backend      string
	TopK         int
	MinRelevance float64
	Overfetch    int
	MinDocs      int
	MinTopScore  float64
}

type GroundingConfig struct {
	ClaimOverlap      float64
	MinClaimTokens    int
	Semantic          bool
	SemanticThreshold float64
	MaxLengthRatio    float64
}

type GateConfig struct {
	Version      string
	AnswerCutoff float64
	ClarifyFloor float64
}

type ScopeConfig struct {
	// Categories lists enabled categories, most restrictive first.
	Categories  []string
	ModelAssist bool
}

type RoleConfig struct {
	Allowed    []string
	Restricted []string
}

type PipelineConfig struct {
	Timeout         time.Duration
	AuditTimeout    time.Duration
	AuditAttempts   int
	BackendAttempts int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

var (
	knownCategories = []string{"security_it", "compliance_conduct", "hr_employment", "benefits", "onboarding"}
	knownBackends   = []string{"milvus", "neo4j"}
)

// Validate checks structure only; thresholds are range-checked again when the
// gate is built.
func (c *Config) Validate() error {
	var problems []string

	if c.Gate.Version == "" {
		problems = append(problems, "gate.version is required")
	}
	if c.Gate.AnswerCutoff <= 0 || c.Gate.AnswerCutoff > 1 {
		problems = append(problems, "gate.answerCutoff must be in (0,1]")
	}
	if c.Gate.ClarifyFloor < 0 || c.Gate.ClarifyFloor > c.Gate.AnswerCutoff {
		problems = append(problems, "gate.clarifyFloor must be in [0,answerCutoff]")
	}
	if !contains(knownBackends, c.Retrieval.Backend) {
		problems = append(problems, fmt.Sprintf("retrieval.backend %q is not one of %v", c.Retrieval.Backend, knownBackends))
	}
	if c.Retrieval.TopK <= 0 {
		problems = append(problems, "retrieval.topK must be positive")
	}
	if c.Retrieval.MinRelevance < 0 || c.Retrieval.MinRelevance > 1 {
		problems = append(problems, "retrieval.minRelevance must be in [0,1]")
	}
	for _, cat := range c.Scope.Categories {
		if !contains(knownCategories, cat) {
			problems = append(problems, fmt.Sprintf("scope.categories: unknown category %q", cat))
		}
	}
	for role, rc := range c.Roles {
		for _, cat := range rc.Allowed {
			if !contains(knownCategories, cat) {
				problems = append(problems, fmt.Sprintf("roles.%s.allowed: unknown category %q", role, cat))
			}
		}
	}
	if _, ok := c.Models.Routes["answering"]; !ok {
		problems = append(problems, "models.routes.answering is required")
	}
	if c.Pipeline.Timeout <= 0 {
		problems = append(problems, "pipeline.timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Loader owns one viper instance so the file can be re-read on reload.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader searches . ./config /etc/policyguard for config.yaml, or reads
// path when it is non-empty.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/policyguard")
	}

	v.SetEnvPrefix("POLICYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Loader{v: v}
}

func Load() (*Config, error) {
	return NewLoader("").Load()
}

func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ConfigFile is the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the freshly loaded config each time the file
// changes, or onError when the new file does not load.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.maxQueryLength", 2000)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("sqlite.path", "./data/audit.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTL", "24h")

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "policy_chunks")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.maxTokens", 512)
	v.SetDefault("llm.timeoutSec", 30)

	v.SetDefault("models.version", "1")
	v.SetDefault("models.routes", map[string]any{
		"answering": map[string]any{"backend": "openai", "model": "gpt-4o-mini", "version": "1"},
		"embedding": map[string]any{"backend": "openai", "model": "text-embedding-3-small", "version": "1"},
	})

	v.SetDefault("retrieval.backend", "milvus")
	v.SetDefault("retrieval.topK", 8)
	v.SetDefault("retrieval.minRelevance", 0.5)
	v.SetDefault("retrieval.overfetch", 4)
	v.SetDefault("retrieval.minDocs", 1)
	v.SetDefault("retrieval.minTopScore", 0.6)

	v.SetDefault("grounding.claimOverlap", 0.6)
	v.SetDefault("grounding.minClaimTokens", 2)
	v.SetDefault("grounding.semantic", false)
	v.SetDefault("grounding.semanticThreshold", 0.85)
	v.SetDefault("grounding.maxLengthRatio", 2.0)

	v.SetDefault("gate.version", "1")
	v.SetDefault("gate.answerCutoff", 0.8)
	v.SetDefault("gate.clarifyFloor", 0.3)

	v.SetDefault("scope.categories", knownCategories)
	v.SetDefault("scope.modelAssist", false)

	v.SetDefault("roles", map[string]any{
		"employee": map[string]any{
			"allowed": knownCategories,
		},
		"candidate": map[string]any{
			"allowed": []string{"hr_employment", "benefits", "compliance_conduct", "onboarding"},
			"restricted": []string{
				"disciplinary action", "internal investigation", "performance review", "appraisal",
				"salary structure", "internal reimbursement", "system access", "it access", "vpn",
				"escalation process",
			},
		},
	})

	v.SetDefault("pipeline.timeout", "20s")
	v.SetDefault("pipeline.auditTimeout", "5s")
	v.SetDefault("pipeline.auditAttempts", 3)
	v.SetDefault("pipeline.backendAttempts", 3)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requestsPerMinute", 60)
	v.SetDefault("ratelimit.burst", 10)
}
