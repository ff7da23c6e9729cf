package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [FromEnv] when the corresponding variable is unset.
const (
	defaultAPIPort        = 8000
	defaultRedisPort      = 6379
	defaultMaxInFlight    = 256
	defaultPheromindTTL   = 12 * time.Second
	defaultMaxSignals     = 20
	defaultCouncilDL      = 45 * time.Second
	defaultSynthesisDL    = 30 * time.Second
	defaultOverallTimeout = 120 * time.Second
	defaultAliasConc      = 4
)

// defaultCredentials are values that must never survive into production.
var defaultCredentials = []string{"changeme", "password", "secret", "admin"}

// FromEnv builds a [Config] from the process environment. In development a
// .env file in the working directory is loaded first (missing files are
// ignored). The returned config has passed [Validate].
func FromEnv() (*Config, error) {
	env := Environment(getenv("ENVIRONMENT", string(EnvDevelopment)))
	if env != EnvProduction {
		// Development convenience only; production must use real env vars.
		_ = godotenv.Load()
	}

	cfg := &Config{
		Environment: env,
		LogLevel:    LogLevel(getenv("LOG_LEVEL", string(LogInfo))),
		Server: ServerConfig{
			Host:               getenv("API_HOST", "0.0.0.0"),
			Port:               envInt("API_PORT", defaultAPIPort),
			MaxInFlight:        envInt("MAX_IN_FLIGHT", defaultMaxInFlight),
			CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
			TLSCertFile:        os.Getenv("TLS_CERT_FILE"),
			TLSKeyFile:         os.Getenv("TLS_KEY_FILE"),
		},
		Redis: RedisConfig{
			Host:     os.Getenv("REDIS_HOST"),
			Port:     envInt("REDIS_PORT", defaultRedisPort),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Graph: GraphConfig{
			PostgresDSN:          os.Getenv("GRAPH_POSTGRES_DSN"),
			ArchiveConversations: envBool("GRAPH_ARCHIVE_CONVERSATIONS", false),
		},
		Models: ModelsConfig{
			RosterPath: os.Getenv("MODEL_ROSTER"),
			ModelDir:   os.Getenv("LLAMACPP_MODEL_DIR"),
		},
		Orchestrator: OrchestratorConfig{
			ClassifierAlias:     os.Getenv("CLASSIFIER_ALIAS"),
			CouncilAliases:      splitList(getenv("COUNCIL_ALIASES", "council-a,council-b,council-c")),
			SynthesisAlias:      getenv("SYNTHESIS_ALIAS", "synthesizer"),
			CouncilDeadline:     envDuration("COUNCIL_DEADLINE", defaultCouncilDL),
			SynthesisDeadline:   envDuration("SYNTHESIS_DEADLINE", defaultSynthesisDL),
			OverallTimeout:      envDuration("REQUEST_TIMEOUT", defaultOverallTimeout),
			PerAliasConcurrency: envInt("PER_ALIAS_CONCURRENCY", defaultAliasConc),
		},
		Pheromind: PheromindConfig{
			TTL:        envDuration("PHEROMIND_TTL", defaultPheromindTTL),
			MaxSignals: envInt("PHEROMIND_MAX_SIGNALS", defaultMaxSignals),
		},
		RateLimit: RateLimitConfig{
			PerIPMinute:    envInt("RATE_LIMIT_PER_IP_MINUTE", 60),
			PerIPHour:      envInt("RATE_LIMIT_PER_IP_HOUR", 1000),
			ChatPerMinute:  envInt("RATE_LIMIT_CHAT_PER_MINUTE", 10),
			VoicePerMinute: envInt("RATE_LIMIT_VOICE_PER_MINUTE", 5),
			MaxWSPerIP:     envInt("RATE_LIMIT_MAX_WS_PER_IP", 5),
		},
		Validation: ValidationConfig{
			MaxRequestBytes:   int64(envInt("MAX_REQUEST_SIZE_MB", 10)) << 20,
			MaxJSONBytes:      int64(envInt("MAX_JSON_SIZE_MB", 1)) << 20,
			MaxHeaderCount:    envInt("MAX_HEADER_COUNT", 100),
			MaxHeaderBytes:    envInt("MAX_HEADER_SIZE_KB", 8) << 10,
			MaxQueryParams:    envInt("MAX_QUERY_PARAMS", 50),
			BlockedUserAgents: splitList(getenv("BLOCKED_USER_AGENTS", "sqlmap,nikto,masscan")),
		},
		Voice: VoiceConfig{
			ServiceURL: os.Getenv("VOICE_SERVICE_URL"),
			AudioDir:   getenv("VOICE_AUDIO_DIR", "data/audio"),
			VoiceID:    getenv("VOICE_ID", "default"),
			Language:   getenv("VOICE_LANGUAGE", "en"),
		},
		Treasury: TreasuryConfig{
			SeedCents:           int64(envInt("TREASURY_SEED_CENTS", 5000)),
			DailyLimitCents:     int64(envInt("TREASURY_DAILY_LIMIT_CENTS", 10000)),
			PerActionLimitCents: int64(envInt("TREASURY_PER_ACTION_LIMIT_CENTS", 1000)),
		},
		KIP: KIPConfig{
			CatalogPath: os.Getenv("KIP_TOOL_CATALOG"),
			GenomesPath: os.Getenv("KIP_AGENT_GENOMES"),
		},
	}

	roster, err := loadRoster(cfg.Models.RosterPath, cfg.Environment)
	if err != nil {
		return nil, err
	}
	cfg.Models.Roster = roster

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRoster reads the model roster YAML and applies LLAMACPP_HOST_<ALIAS> /
// LLAMACPP_PORT_<ALIAS> environment overrides. With no roster file, a mock
// roster is synthesised in development; production requires an explicit one.
func loadRoster(path string, env Environment) ([]ModelDescriptor, error) {
	var roster []ModelDescriptor
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read model roster %q: %w", path, err)
		}
		var file struct {
			Models []ModelDescriptor `yaml:"models"`
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("config: parse model roster %q: %w", path, err)
		}
		roster = file.Models
	} else if env != EnvProduction {
		roster = mockRoster()
	}

	for i := range roster {
		key := envKey(roster[i].Alias)
		if h := os.Getenv("LLAMACPP_HOST_" + key); h != "" {
			roster[i].Host = h
		}
		if p := os.Getenv("LLAMACPP_PORT_" + key); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("config: LLAMACPP_PORT_%s: %w", key, err)
			}
			roster[i].Port = port
		}
	}
	return roster, nil
}

// mockRoster is the development roster used when no model servers are
// configured. All aliases resolve to the in-process mock backend.
func mockRoster() []ModelDescriptor {
	aliases := []string{"classifier", "council-a", "council-b", "council-c", "synthesizer"}
	roster := make([]ModelDescriptor, len(aliases))
	for i, a := range aliases {
		roster[i] = ModelDescriptor{Alias: a, Provider: ProviderMock, Model: a}
	}
	return roster
}

// Validate checks that cfg is a coherent configuration. It returns a joined
// error listing every failure found. Production additionally rejects missing
// secrets and default credentials.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("ENVIRONMENT %q is invalid; valid values: development, staging, production", cfg.Environment))
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("MAX_IN_FLIGHT must be positive, got %d", cfg.Server.MaxInFlight))
	}

	// Model roster.
	seen := make(map[string]int, len(cfg.Models.Roster))
	for i, m := range cfg.Models.Roster {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Alias == "" {
			errs = append(errs, fmt.Errorf("%s.alias is required", prefix))
			continue
		}
		if prev, ok := seen[m.Alias]; ok {
			errs = append(errs, fmt.Errorf("%s.alias %q is a duplicate of models[%d]", prefix, m.Alias, prev))
		}
		seen[m.Alias] = i
		if !m.Provider.IsValid() {
			errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: llamacpp, ollama, openai, mock", prefix, m.Provider))
		}
		if m.Provider != ProviderMock && (m.Host == "" || m.Port <= 0) {
			errs = append(errs, fmt.Errorf("%s (%s): host and port are required for provider %q", prefix, m.Alias, m.Provider))
		}
		if m.Provider == ProviderMock && cfg.Environment == EnvProduction {
			errs = append(errs, fmt.Errorf("%s (%s): mock provider is not allowed in production", prefix, m.Alias))
		}
	}

	// Orchestrator aliases must resolve against the roster.
	for _, alias := range cfg.Orchestrator.CouncilAliases {
		if _, ok := seen[alias]; !ok {
			errs = append(errs, fmt.Errorf("COUNCIL_ALIASES entry %q is not in the model roster", alias))
		}
	}
	if cfg.Orchestrator.SynthesisAlias == "" {
		errs = append(errs, errors.New("SYNTHESIS_ALIAS is required"))
	} else if _, ok := seen[cfg.Orchestrator.SynthesisAlias]; !ok {
		errs = append(errs, fmt.Errorf("SYNTHESIS_ALIAS %q is not in the model roster", cfg.Orchestrator.SynthesisAlias))
	}
	if cfg.Orchestrator.ClassifierAlias != "" {
		if _, ok := seen[cfg.Orchestrator.ClassifierAlias]; !ok {
			errs = append(errs, fmt.Errorf("CLASSIFIER_ALIAS %q is not in the model roster", cfg.Orchestrator.ClassifierAlias))
		}
	}
	if len(cfg.Orchestrator.CouncilAliases) == 0 {
		errs = append(errs, errors.New("COUNCIL_ALIASES must name at least one model"))
	}
	if cfg.Orchestrator.PerAliasConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("PER_ALIAS_CONCURRENCY must be positive, got %d", cfg.Orchestrator.PerAliasConcurrency))
	}

	if cfg.Pheromind.TTL <= 0 {
		errs = append(errs, fmt.Errorf("PHEROMIND_TTL must be positive, got %s", cfg.Pheromind.TTL))
	}
	if cfg.Treasury.DailyLimitCents <= 0 || cfg.Treasury.PerActionLimitCents <= 0 {
		errs = append(errs, errors.New("treasury daily and per-action limits must be positive"))
	}

	// Production hardening: missing secrets or default credentials are fatal.
	if cfg.Environment == EnvProduction {
		if cfg.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
		if cfg.Redis.Password == "" {
			errs = append(errs, errors.New("REDIS_PASSWORD is required in production"))
		} else if isDefaultCredential(cfg.Redis.Password) {
			errs = append(errs, errors.New("REDIS_PASSWORD is a default credential; set a real secret"))
		}
		if cfg.Graph.PostgresDSN != "" && strings.Contains(cfg.Graph.PostgresDSN, "postgres:postgres@") {
			errs = append(errs, errors.New("GRAPH_POSTGRES_DSN uses default postgres credentials"))
		}
		if cfg.Models.RosterPath == "" {
			errs = append(errs, errors.New("MODEL_ROSTER is required in production"))
		}
	}

	return errors.Join(errs...)
}

// isDefaultCredential reports whether s is one of the well-known placeholder
// secrets that must never reach production.
func isDefaultCredential(s string) bool {
	lower := strings.ToLower(s)
	for _, d := range defaultCredentials {
		if lower == d {
			return true
		}
	}
	return false
}

// ── env helpers ──────────────────────────────────────────────────────────────

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration parses key as a [time.Duration]. A bare integer is interpreted
// as seconds, matching how the deployment scripts export tunables.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// splitList splits a comma-separated env value into trimmed, non-empty items.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envKey converts a model alias into the env-var suffix form used by
// LLAMACPP_HOST_<ALIAS> overrides (upper-cased, dashes to underscores).
func envKey(alias string) string {
	return strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
