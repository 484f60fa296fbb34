// Package config loads, validates, and writes the gateway's merged routing
// configuration document from <configDir>/config.yaml.
//
// The document binds:
//   - httpserver.{host, port, apiKey?}
//   - virtualrouter.providers[id]: baseURL, providerType, headers, auth keys, models
//   - virtualrouter.routing.{routeName}: ordered target list
//   - classification rules (thresholds, keyword lists, tool detector patterns)
//   - streaming and state-directory settings
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	HTTPServer     HTTPServerConfig `yaml:"httpserver"`
	VirtualRouter  VirtualRouter    `yaml:"virtualrouter"`
	Classification Classification  `yaml:"classificationConfig"`
	Streaming      StreamingConfig `yaml:"streaming"`
	StateDir       string          `yaml:"stateDir"`
}

// HTTPServerConfig defines where the gateway listens and how callers
// authenticate.
type HTTPServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"apiKey,omitempty"`
}

// VirtualRouter holds the provider table and the route-to-target mapping.
type VirtualRouter struct {
	Providers map[string]ProviderConfig  `yaml:"providers"`
	Routing   map[string][]string        `yaml:"routing"`
}

// ProviderConfig describes one upstream provider: its wire protocol, base
// URL, header template, credentials, and per-model overrides.
type ProviderConfig struct {
	BaseURL     string                 `yaml:"baseURL"`
	ProviderType string                `yaml:"providerType"` // "chat" | "responses" | "anthropic"
	Headers     map[string]string      `yaml:"headers,omitempty"`
	Auth        AuthConfig             `yaml:"auth"`
	Models      map[string]ModelConfig `yaml:"models,omitempty"`
}

// AuthConfig is the ordered keyAlias -> secret mapping for one provider.
type AuthConfig struct {
	Keys map[string]KeyConfig `yaml:"keys"`
}

// KeyConfig is one credential: its secret value and optional starting tier.
type KeyConfig struct {
	Value        string `yaml:"value"`
	PriorityTier int    `yaml:"priorityTier,omitempty"`
}

// ModelConfig carries per-model overrides within a provider.
type ModelConfig struct {
	MaxTokens         int  `yaml:"maxTokens,omitempty"`
	SupportsStreaming bool `yaml:"supportsStreaming,omitempty"`
}

// Classification is the request classifier's rule configuration (spec 4.B).
type Classification struct {
	ProtocolMapping          map[string]ProtocolMapEntry `yaml:"protocolMapping"`
	ModelTiers               map[string]ModelTier        `yaml:"modelTiers"`
	ThinkingKeywords         []string                    `yaml:"thinkingKeywords"`
	RoutingDecisions         map[string]RouteDecisionRule `yaml:"routingDecisions"`
	ToolDetector             ToolDetectorConfig          `yaml:"toolDetector"`
	LongContextThresholdTokens int                       `yaml:"longContextThresholdTokens"`
	ConfidenceThreshold      float64                     `yaml:"confidenceThreshold"`
}

// ProtocolMapEntry names which endpoint maps to which wire protocol.
type ProtocolMapEntry struct {
	Protocol string `yaml:"protocol"`
}

// ModelTier lists the models belonging to a tier and its token ceiling.
type ModelTier struct {
	Models    []string `yaml:"models"`
	MaxTokens int      `yaml:"maxTokens"`
}

// RouteDecisionRule is one named route's qualification rule.
type RouteDecisionRule struct {
	ModelTier      string   `yaml:"modelTier,omitempty"`
	TokenThreshold int      `yaml:"tokenThreshold"`
	ToolTypes      []string `yaml:"toolTypes,omitempty"`
	Priority       int      `yaml:"priority"`
}

// ToolDetectorConfig lists substring/glob patterns per tool category.
type ToolDetectorConfig struct {
	Patterns map[string][]string `yaml:"patterns"`
}

// StreamingConfig carries the streaming manager's idle timeout, the retry
// budget per route, and the tool-loop cap. ChunkSizeBytes is not read:
// synthetic streams are chunked at the fixed llmswitch maxChunkChars.
type StreamingConfig struct {
	IdleTimeoutMs   int `yaml:"idleTimeoutMs"`
	ChunkSizeBytes  int `yaml:"chunkSizeBytes"`
	MaxRetriesPerRoute int `yaml:"maxRetriesPerRoute"`
	MaxToolLoops    int `yaml:"maxToolLoops"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error) — first-run friendly,
// matching the teacher's tolerant-missing-file convention.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# gatewayd routing configuration.
#
# httpserver: bind address and optional API key.
# virtualrouter.providers: upstream providers, their credentials, and model overrides.
# virtualrouter.routing: route name -> ordered "providerId.modelId[.keyAlias]" targets.
# classificationConfig: deterministic request classification rules.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with sensible defaults, including a
// "default" route entry with no targets; a config file supplies the targets.
func applyDefaults() *Config {
	return &Config{
		HTTPServer: HTTPServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		VirtualRouter: VirtualRouter{
			Providers: map[string]ProviderConfig{},
			Routing: map[string][]string{
				"default": {},
			},
		},
		Classification: Classification{
			ProtocolMapping: map[string]ProtocolMapEntry{
				"/v1/chat/completions": {Protocol: "chat"},
				"/v1/responses":        {Protocol: "responses"},
				"/v1/messages":         {Protocol: "anthropic"},
			},
			ModelTiers:          map[string]ModelTier{},
			ThinkingKeywords:    []string{"think step by step", "think carefully", "逐步推理"},
			RoutingDecisions:    map[string]RouteDecisionRule{},
			ToolDetector:        ToolDetectorConfig{Patterns: map[string][]string{}},
			LongContextThresholdTokens: 32000,
			ConfidenceThreshold: 0.5,
		},
		Streaming: StreamingConfig{
			IdleTimeoutMs:      60000,
			ChunkSizeBytes:     256,
			MaxRetriesPerRoute: 3,
			MaxToolLoops:       4,
		},
		StateDir: "",
	}
}

// validate checks the config for logical errors after parsing, including
// the route-exists invariant (spec §8 invariant 3): every configured route
// must resolve to at least one target, and "default" must exist.
func validate(cfg *Config) error {
	if cfg.HTTPServer.Host == "" {
		return fmt.Errorf("httpserver.host must not be empty")
	}
	if cfg.HTTPServer.Port < 1 || cfg.HTTPServer.Port > 65535 {
		return fmt.Errorf("httpserver.port %d out of range (1-65535)", cfg.HTTPServer.Port)
	}

	if _, ok := cfg.VirtualRouter.Routing["default"]; !ok {
		return fmt.Errorf("virtualrouter.routing must define a \"default\" route")
	}
	for name, targets := range cfg.VirtualRouter.Routing {
		if len(targets) == 0 {
			return fmt.Errorf("virtualrouter.routing[%q]: at least one target is required", name)
		}
	}

	for id, p := range cfg.VirtualRouter.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: baseURL is required", id)
		}
		switch p.ProviderType {
		case "chat", "responses", "anthropic":
		default:
			return fmt.Errorf("provider %q: providerType must be chat, responses, or anthropic", id)
		}
	}

	if cfg.Streaming.IdleTimeoutMs < 0 {
		return fmt.Errorf("streaming.idleTimeoutMs must be non-negative")
	}
	if cfg.Streaming.MaxRetriesPerRoute < 0 {
		return fmt.Errorf("streaming.maxRetriesPerRoute must be non-negative")
	}

	return nil
}
