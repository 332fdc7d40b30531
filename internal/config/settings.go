// Package config provides the typed settings and manifest loaders for the
// Renfield server.
//
// Settings are merged from three layers, highest precedence first:
//
//  1. Environment variables (non-secret values).
//  2. File-based secrets under /run/secrets/<name> (secret values).
//  3. Built-in defaults.
//
// Capability servers and agent roles are declared in YAML manifests owned
// by their consuming packages (internal/mcp, internal/agent); this package
// only resolves the paths pointing at them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultSecretsDir is where file-based secrets are resolved from in
// production. Override with [Loader.SecretsDir] in tests.
const DefaultSecretsDir = "/run/secrets"

// LogLevel controls log verbosity for the Renfield server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Settings is the root configuration for the Renfield server. Field groups
// mirror the subsystems they configure.
type Settings struct {
	ListenAddr string
	LogLevel   LogLevel

	Postgres PostgresSettings
	LLM      LLMSettings
	Agent    AgentSettings
	RAG      RAGSettings
	Memory   MemorySettings
	MCP      MCPSettings
	Notify   NotifySettings
	WS       WSSettings
	API      APISettings
	Breaker  BreakerSettings
	Voice    VoiceSettings

	// EmbeddingDimension is the global vector width. Every embedding column
	// and every embedding provider must match it.
	EmbeddingDimension int

	// SecretKey signs session artefacts. Resolved from file-based secrets in
	// production.
	SecretKey string

	// TrustedProxies lists CIDRs whose X-Forwarded-For headers are honoured.
	TrustedProxies []string

	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool
}

// PostgresSettings holds the datastore connection parameters. The validator
// assembles them into a DSN.
type PostgresSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN assembles the PostgreSQL connection URL.
func (p PostgresSettings) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// LLMSettings maps gateway roles to endpoints and models.
type LLMSettings struct {
	// OllamaURL is the default runtime endpoint for all roles.
	OllamaURL string

	ChatModel   string
	RAGModel    string
	IntentModel string
	EmbedModel  string

	// AgentOllamaURL optionally points the agent role at a distinct runtime.
	// Empty means OllamaURL.
	AgentOllamaURL string
	AgentModel     string

	// ContextWindow is applied to every call.
	ContextWindow int

	// StreamStallTimeout aborts a stream that produces no data for this long.
	StreamStallTimeout time.Duration
}

// AgentSettings holds Agent Loop and Agent Router parameters.
type AgentSettings struct {
	Enabled             bool
	MaxSteps            int
	StepTimeout         time.Duration
	TotalTimeout        time.Duration
	ConvContextMessages int
	RouterTimeout       time.Duration
	RolesPath           string
}

// RAGSettings holds Knowledge Retriever knobs.
type RAGSettings struct {
	Enabled             bool
	ChunkSize           int
	ChunkOverlap        int
	TopK                int
	SimilarityThreshold float64
	HybridEnabled       bool
	HybridRRFK          int
	HybridDenseWeight   float64
	HybridBM25Weight    float64
	ContextWindowChunks int
	TextSearchLanguage  string
}

// MemorySettings holds Memory Store knobs.
type MemorySettings struct {
	Enabled                bool
	RetrievalLimit         int
	RetrievalThreshold     float64
	MaxPerUser             int
	ContextDecayDays       int
	DedupThreshold         float64
	ExtractionEnabled      bool
	ContradictionEnabled   bool
	ContradictionThreshold float64
}

// MCPSettings holds Tool Registry knobs.
type MCPSettings struct {
	Enabled         bool
	ConfigPath      string
	RefreshInterval time.Duration
	ConnectTimeout  time.Duration
	CallTimeout     time.Duration
	MaxResponseSize int
}

// NotifySettings holds notification, poller, and reminder knobs.
type NotifySettings struct {
	SuppressionWindow       time.Duration
	SemanticDedupEnabled    bool
	SemanticDedupThreshold  float64
	UrgencyAutoEnabled      bool
	EnrichmentEnabled       bool
	EnrichmentTimeout       time.Duration
	TTL                     time.Duration
	TTSDefault              bool
	PollerEnabled           bool
	PollerStartupDelay      time.Duration
	ReminderCheckInterval   time.Duration
	ReminderLookaheadMinute int
}

// WSSettings holds WebSocket transport limits.
type WSSettings struct {
	AuthEnabled        bool
	RateLimitPerSecond int
	RateLimitPerMinute int
	MaxConnectionsPerIP int
	MaxMessageBytes    int
	MaxAudioBufferBytes int
	HeartbeatTimeout   time.Duration
}

// APISettings holds REST rate limits (requests per minute per bucket).
type APISettings struct {
	RateLimitDefault int
	RateLimitAuth    int
	RateLimitVoice   int
	RateLimitChat    int
	RateLimitAdmin   int
}

// BreakerSettings holds circuit breaker tuning.
type BreakerSettings struct {
	FailureThreshold     int
	LLMRecoveryTimeout   time.Duration
	AgentRecoveryTimeout time.Duration
	MCPRecoveryTimeout   time.Duration
}

// VoiceSettings holds the external STT/TTS collaborator endpoints.
type VoiceSettings struct {
	STTURL     string
	TTSURL     string
	STTTimeout time.Duration
	TTSTimeout time.Duration

	SpeakerIDEnabled   bool
	SpeakerIDThreshold float64
}

// Loader resolves settings from the environment and a secrets directory.
// The zero value reads the real process environment and [DefaultSecretsDir].
type Loader struct {
	// Getenv overrides the environment lookup. Nil means os.Getenv.
	Getenv func(string) string

	// SecretsDir overrides where file-based secrets are read from.
	SecretsDir string
}

// Load resolves, validates, and returns the full [Settings]. Validation
// failures are joined into one error; callers treat any error as fatal
// (exit code 1).
func (l Loader) Load() (*Settings, error) {
	env := l.Getenv
	if env == nil {
		env = os.Getenv
	}
	secretsDir := l.SecretsDir
	if secretsDir == "" {
		secretsDir = DefaultSecretsDir
	}

	// secret resolves a value that may live in the secrets directory; the
	// environment variable wins only when no secret file exists.
	secret := func(name string) string {
		path := filepath.Join(secretsDir, strings.ToLower(name))
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
		return env(name)
	}

	s := &Settings{
		ListenAddr: str(env, "LISTEN_ADDR", ":8000"),
		LogLevel:   LogLevel(str(env, "LOG_LEVEL", "info")),

		Postgres: PostgresSettings{
			Host:     str(env, "POSTGRES_HOST", "localhost"),
			Port:     num(env, "POSTGRES_PORT", 5432),
			User:     str(env, "POSTGRES_USER", "renfield"),
			Password: secret("POSTGRES_PASSWORD"),
			Database: str(env, "POSTGRES_DB", "renfield"),
			SSLMode:  str(env, "POSTGRES_SSLMODE", "disable"),
		},

		LLM: LLMSettings{
			OllamaURL:          str(env, "OLLAMA_URL", "http://localhost:11434"),
			ChatModel:          str(env, "OLLAMA_CHAT_MODEL", "llama3.1:8b"),
			RAGModel:           str(env, "OLLAMA_RAG_MODEL", "llama3.1:8b"),
			IntentModel:        str(env, "OLLAMA_INTENT_MODEL", "llama3.1:8b"),
			EmbedModel:         str(env, "OLLAMA_EMBED_MODEL", "nomic-embed-text"),
			AgentOllamaURL:     str(env, "AGENT_OLLAMA_URL", ""),
			AgentModel:         str(env, "AGENT_MODEL", ""),
			ContextWindow:      num(env, "OLLAMA_CONTEXT_WINDOW", 8192),
			StreamStallTimeout: dur(env, "OLLAMA_STREAM_STALL_TIMEOUT", 30*time.Second),
		},

		Agent: AgentSettings{
			Enabled:             boolean(env, "AGENT_ENABLED", true),
			MaxSteps:            num(env, "AGENT_MAX_STEPS", 5),
			StepTimeout:         dur(env, "AGENT_STEP_TIMEOUT", 30*time.Second),
			TotalTimeout:        dur(env, "AGENT_TOTAL_TIMEOUT", 120*time.Second),
			ConvContextMessages: num(env, "AGENT_CONV_CONTEXT_MESSAGES", 6),
			RouterTimeout:       dur(env, "AGENT_ROUTER_TIMEOUT", 30*time.Second),
			RolesPath:           str(env, "AGENT_ROLES_PATH", "configs/agent_roles.yaml"),
		},

		RAG: RAGSettings{
			Enabled:             boolean(env, "RAG_ENABLED", true),
			ChunkSize:           num(env, "RAG_CHUNK_SIZE", 1000),
			ChunkOverlap:        num(env, "RAG_CHUNK_OVERLAP", 200),
			TopK:                num(env, "RAG_TOP_K", 5),
			SimilarityThreshold: flt(env, "RAG_SIMILARITY_THRESHOLD", 0.4),
			HybridEnabled:       boolean(env, "RAG_HYBRID_ENABLED", true),
			HybridRRFK:          num(env, "RAG_HYBRID_RRF_K", 60),
			HybridDenseWeight:   flt(env, "RAG_HYBRID_DENSE_WEIGHT", 0.7),
			HybridBM25Weight:    flt(env, "RAG_HYBRID_BM25_WEIGHT", 0.3),
			ContextWindowChunks: num(env, "RAG_CONTEXT_WINDOW_CHUNKS", 1),
			TextSearchLanguage:  str(env, "RAG_TEXT_SEARCH_LANGUAGE", "simple"),
		},

		Memory: MemorySettings{
			Enabled:                boolean(env, "MEMORY_ENABLED", true),
			RetrievalLimit:         num(env, "MEMORY_RETRIEVAL_LIMIT", 3),
			RetrievalThreshold:     flt(env, "MEMORY_RETRIEVAL_THRESHOLD", 0.7),
			MaxPerUser:             num(env, "MEMORY_MAX_PER_USER", 500),
			ContextDecayDays:       num(env, "MEMORY_CONTEXT_DECAY_DAYS", 30),
			DedupThreshold:         flt(env, "MEMORY_DEDUP_THRESHOLD", 0.9),
			ExtractionEnabled:      boolean(env, "MEMORY_EXTRACTION_ENABLED", true),
			ContradictionEnabled:   boolean(env, "MEMORY_CONTRADICTION_ENABLED", false),
			ContradictionThreshold: flt(env, "MEMORY_CONTRADICTION_THRESHOLD", 0.6),
		},

		MCP: MCPSettings{
			Enabled:         boolean(env, "MCP_ENABLED", true),
			ConfigPath:      str(env, "MCP_CONFIG_PATH", "configs/mcp_servers.yaml"),
			RefreshInterval: dur(env, "MCP_REFRESH_INTERVAL", 60*time.Second),
			ConnectTimeout:  dur(env, "MCP_CONNECT_TIMEOUT", 10*time.Second),
			CallTimeout:     dur(env, "MCP_CALL_TIMEOUT", 30*time.Second),
			MaxResponseSize: num(env, "MCP_MAX_RESPONSE_SIZE", 10*1024),
		},

		Notify: NotifySettings{
			SuppressionWindow:       dur(env, "PROACTIVE_SUPPRESSION_WINDOW", 60*time.Second),
			SemanticDedupEnabled:    boolean(env, "PROACTIVE_SEMANTIC_DEDUP_ENABLED", true),
			SemanticDedupThreshold:  flt(env, "PROACTIVE_SEMANTIC_DEDUP_THRESHOLD", 0.85),
			UrgencyAutoEnabled:      boolean(env, "PROACTIVE_URGENCY_AUTO_ENABLED", true),
			EnrichmentEnabled:       boolean(env, "PROACTIVE_ENRICHMENT_ENABLED", true),
			EnrichmentTimeout:       dur(env, "PROACTIVE_ENRICHMENT_TIMEOUT", 15*time.Second),
			TTL:                     dur(env, "PROACTIVE_NOTIFICATION_TTL", 24*time.Hour),
			TTSDefault:              boolean(env, "PROACTIVE_TTS_DEFAULT", true),
			PollerEnabled:           boolean(env, "NOTIFICATION_POLLER_ENABLED", true),
			PollerStartupDelay:      dur(env, "NOTIFICATION_POLLER_STARTUP_DELAY", 10*time.Second),
			ReminderCheckInterval:   dur(env, "PROACTIVE_REMINDER_CHECK_INTERVAL", 15*time.Second),
			ReminderLookaheadMinute: num(env, "PROACTIVE_POLL_LOOKAHEAD_MINUTES", 45),
		},

		WS: WSSettings{
			AuthEnabled:         boolean(env, "WS_AUTH_ENABLED", true),
			RateLimitPerSecond:  num(env, "WS_RATE_LIMIT_PER_SECOND", 50),
			RateLimitPerMinute:  num(env, "WS_RATE_LIMIT_PER_MINUTE", 1000),
			MaxConnectionsPerIP: num(env, "WS_MAX_CONNECTIONS_PER_IP", 10),
			MaxMessageBytes:     num(env, "WS_MAX_MESSAGE_BYTES", 1024*1024),
			MaxAudioBufferBytes: num(env, "WS_MAX_AUDIO_BUFFER_BYTES", 10*1024*1024),
			HeartbeatTimeout:    dur(env, "WS_HEARTBEAT_TIMEOUT", 60*time.Second),
		},

		API: APISettings{
			RateLimitDefault: num(env, "API_RATE_LIMIT_DEFAULT", 100),
			RateLimitAuth:    num(env, "API_RATE_LIMIT_AUTH", 10),
			RateLimitVoice:   num(env, "API_RATE_LIMIT_VOICE", 30),
			RateLimitChat:    num(env, "API_RATE_LIMIT_CHAT", 60),
			RateLimitAdmin:   num(env, "API_RATE_LIMIT_ADMIN", 200),
		},

		Breaker: BreakerSettings{
			FailureThreshold:     num(env, "CB_FAILURE_THRESHOLD", 3),
			LLMRecoveryTimeout:   dur(env, "CB_LLM_RECOVERY_TIMEOUT", 30*time.Second),
			AgentRecoveryTimeout: dur(env, "CB_AGENT_RECOVERY_TIMEOUT", 60*time.Second),
			MCPRecoveryTimeout:   dur(env, "CB_MCP_RECOVERY_TIMEOUT", 60*time.Second),
		},

		Voice: VoiceSettings{
			STTURL:             str(env, "STT_URL", "http://localhost:8001"),
			TTSURL:             str(env, "TTS_URL", "http://localhost:8002"),
			STTTimeout:         dur(env, "STT_TIMEOUT", 30*time.Second),
			TTSTimeout:         dur(env, "TTS_TIMEOUT", 30*time.Second),
			SpeakerIDEnabled:   boolean(env, "SPEAKER_ID_ENABLED", false),
			SpeakerIDThreshold: flt(env, "SPEAKER_ID_THRESHOLD", 0.75),
		},

		EmbeddingDimension: num(env, "EMBEDDING_DIMENSION", 768),
		SecretKey:          secret("SECRET_KEY"),
		TrustedProxies:     list(env, "TRUSTED_PROXIES"),
		MetricsEnabled:     boolean(env, "METRICS_ENABLED", true),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks that the settings form a coherent whole. All failures are
// reported at once.
func (s *Settings) validate() error {
	var errs []error

	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", s.EmbeddingDimension))
	}
	if s.Postgres.Database == "" {
		errs = append(errs, errors.New("POSTGRES_DB must not be empty"))
	}
	if s.RAG.HybridEnabled {
		sum := s.RAG.HybridDenseWeight + s.RAG.HybridBM25Weight
		if sum < 0.999 || sum > 1.001 {
			errs = append(errs, fmt.Errorf("RAG hybrid weights must sum to 1.0, got %.3f", sum))
		}
	}
	switch s.RAG.TextSearchLanguage {
	case "simple", "german", "english":
	default:
		errs = append(errs, fmt.Errorf("RAG_TEXT_SEARCH_LANGUAGE %q is invalid; valid values: simple, german, english", s.RAG.TextSearchLanguage))
	}
	if s.Memory.DedupThreshold <= s.Memory.ContradictionThreshold {
		errs = append(errs, fmt.Errorf("MEMORY_DEDUP_THRESHOLD (%.2f) must exceed MEMORY_CONTRADICTION_THRESHOLD (%.2f)",
			s.Memory.DedupThreshold, s.Memory.ContradictionThreshold))
	}
	if s.Agent.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_STEPS must not be negative, got %d", s.Agent.MaxSteps))
	}

	return errors.Join(errs...)
}

// ── env coercion helpers ─────────────────────────────────────────────────────

func str(env func(string) string, key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func num(env func(string) string, key string, def int) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func flt(env func(string) string, key string, def float64) float64 {
	v := env(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func boolean(env func(string) string, key string, def bool) bool {
	v := strings.ToLower(env(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// dur parses a duration; bare integers are treated as seconds.
func dur(env func(string) string, key string, def time.Duration) time.Duration {
	v := env(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func list(env func(string) string, key string) []string {
	v := env(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
