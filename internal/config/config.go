// Package config provides the configuration schema and environment loader for
// the hivemind orchestrator service.
package config

import "time"

// Environment selects runtime hardening behaviour.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// IsValid reports whether e is a recognised environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// LogLevel controls log verbosity for the hivemind server.
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

// Provider identifies the inference-server family behind a model alias.
type Provider string

const (
	// ProviderLlamaCpp targets a llama.cpp server exposing the
	// OpenAI-compatible /v1/chat/completions endpoint.
	ProviderLlamaCpp Provider = "llamacpp"

	// ProviderOllama targets an Ollama host, which also serves the
	// OpenAI-compatible chat completions surface.
	ProviderOllama Provider = "ollama"

	// ProviderOpenAI targets any other OpenAI-compatible endpoint via the
	// official SDK (hosted APIs, vLLM, llamafile, ...).
	ProviderOpenAI Provider = "openai"

	// ProviderMock is an in-process backend used in development and tests.
	ProviderMock Provider = "mock"
)

// IsValid reports whether p is a recognised provider family.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderLlamaCpp, ProviderOllama, ProviderOpenAI, ProviderMock:
		return true
	}
	return false
}

// ModelDescriptor maps a logical model alias to a concrete inference backend.
// The table is static: loaded at startup, immutable afterwards.
type ModelDescriptor struct {
	// Alias is the logical name the orchestrator uses (e.g. "council-a").
	Alias string `yaml:"alias"`

	// Provider selects the backend family.
	Provider Provider `yaml:"provider"`

	// Model is the concrete model name sent to the backend.
	Model string `yaml:"model"`

	// Host and Port locate the inference server. Ignored for mock.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ContextSize is the model's context window in tokens. Informational.
	ContextSize int `yaml:"context_size"`

	// DailyCostHint is an operator hint (USD cents/day) used in reports.
	DailyCostHint int `yaml:"daily_cost_hint"`
}

// Config is the root configuration for the hivemind server. A single value is
// built by [FromEnv] at startup and passed by read-only reference throughout.
type Config struct {
	Environment Environment
	LogLevel    LogLevel

	Server       ServerConfig
	Redis        RedisConfig
	Graph        GraphConfig
	Models       ModelsConfig
	Orchestrator OrchestratorConfig
	Pheromind    PheromindConfig
	RateLimit    RateLimitConfig
	Validation   ValidationConfig
	Voice        VoiceConfig
	Treasury     TreasuryConfig
	KIP          KIPConfig
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host and Port form the listen address (API_HOST / API_PORT).
	Host string
	Port int

	// MaxInFlight caps concurrent requests per instance; excess work is
	// rejected with 503.
	MaxInFlight int

	// CORSAllowedOrigins is the comma-split CORS_ALLOWED_ORIGINS list.
	// Empty means same-origin only.
	CORSAllowedOrigins []string

	// TLS enables the HSTS header and certificate serving when both paths
	// are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the Redis address in host:port form. Empty when no host is
// configured, in which case the in-memory KV store is used.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return joinHostPort(r.Host, r.Port)
}

// GraphConfig locates the durable graph store. An empty DSN disables it;
// budgets then live in the KV store only.
type GraphConfig struct {
	PostgresDSN string

	// ArchiveConversations flushes completed orchestrator states to the
	// graph store when true.
	ArchiveConversations bool
}

// ModelsConfig holds the model roster and local model directory.
type ModelsConfig struct {
	// RosterPath is an optional YAML file declaring [ModelDescriptor]
	// entries. Env overrides of the form LLAMACPP_HOST_<ALIAS> /
	// LLAMACPP_PORT_<ALIAS> are applied on top.
	RosterPath string

	// ModelDir is the llama.cpp model directory (LLAMACPP_MODEL_DIR).
	// Informational; the servers themselves load the weights.
	ModelDir string

	// Roster is the resolved descriptor table.
	Roster []ModelDescriptor
}

// OrchestratorConfig tunes the phase state machine.
type OrchestratorConfig struct {
	// ClassifierAlias is the lightweight model used by the smart router.
	// Empty selects the deterministic classifier only.
	ClassifierAlias string

	// CouncilAliases are the models invoked in parallel during
	// deliberation. Quorum is ceil(N/2)+1.
	CouncilAliases []string

	// SynthesisAlias is the synthesizer/verifier model. Should differ from
	// the council members when possible.
	SynthesisAlias string

	// CouncilDeadline bounds each council member call.
	CouncilDeadline time.Duration

	// SynthesisDeadline bounds the synthesis call.
	SynthesisDeadline time.Duration

	// OverallTimeout is the hard cap for one request.
	OverallTimeout time.Duration

	// PerAliasConcurrency caps concurrent calls per model alias so one
	// inference server is not flooded.
	PerAliasConcurrency int
}

// PheromindConfig tunes the ambient signal store.
type PheromindConfig struct {
	// TTL is the signal lifetime (PHEROMIND_TTL).
	TTL time.Duration

	// MaxSignals bounds how many signals one scan returns.
	MaxSignals int
}

// RateLimitConfig holds the sliding-window tunables (RATE_LIMIT_*).
// All windows are expressed in requests per window-seconds pairs in
// [ratelimit.DefaultLimits]; only the counts are tunable here.
type RateLimitConfig struct {
	PerIPMinute    int
	PerIPHour      int
	ChatPerMinute  int
	VoicePerMinute int

	// MaxWSPerIP caps concurrent WebSocket connections per client IP.
	MaxWSPerIP int
}

// ValidationConfig holds the request-validation tunables.
type ValidationConfig struct {
	// MaxRequestBytes caps the raw request size (MAX_REQUEST_SIZE_MB).
	MaxRequestBytes int64

	// MaxJSONBytes caps JSON bodies (MAX_JSON_SIZE_MB).
	MaxJSONBytes int64

	MaxHeaderCount int
	MaxHeaderBytes int
	MaxQueryParams int

	// BlockedUserAgents rejects requests whose User-Agent contains any of
	// these substrings (case-insensitive).
	BlockedUserAgents []string
}

// VoiceConfig locates the external STT/TTS microservice.
type VoiceConfig struct {
	// ServiceURL is the base URL of the voice service (VOICE_SERVICE_URL).
	// Empty disables the voice endpoints unless the mock engine is active.
	ServiceURL string

	// AudioDir is where generated response audio files are written.
	AudioDir string

	// VoiceID and Language are passed to TTS synthesis.
	VoiceID  string
	Language string
}

// TreasuryConfig holds budget seeding defaults, in USD cents.
type TreasuryConfig struct {
	SeedCents           int64
	DailyLimitCents     int64
	PerActionLimitCents int64
}

// KIPConfig locates the tool catalog and agent genome files.
type KIPConfig struct {
	// CatalogPath is an optional YAML tool catalog merged over the builtin
	// tool set.
	CatalogPath string

	// GenomesPath is an optional YAML file declaring agent genomes
	// registered at startup.
	GenomesPath string
}
