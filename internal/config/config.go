package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig     `json:"server"`
	Providers     []ProviderConfig `json:"providers"`
	Gateway       GatewayConfig    `json:"gateway"`
	MCP           MCPConfig        `json:"mcp"`
	Database      DatabaseConfig   `json:"database"`
	Embedding     EmbeddingConfig  `json:"embedding"`
	Reasoning     ReasoningConfig  `json:"reasoning"`
	Sessions      SessionConfig    `json:"sessions"`
	MigrationsDir string           `json:"migrations_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Endpoint  string   `json:"endpoint"`
	APIKey    string   `json:"api_key"`
	Model     string   `json:"model,omitempty"`
	Default   bool     `json:"default,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ReasoningConfig tunes the controller limits. Zero values fall back to
// the controller defaults.
type ReasoningConfig struct {
	MaxIters               int    `json:"max_iters"`
	MaxToolSteps           int    `json:"max_tool_steps"`
	MaxFinalizeNudges      int    `json:"max_finalize_nudges"`
	MaxJustificationNudges int    `json:"max_justification_nudges"`
	AutoFinalizeAfterTool  bool   `json:"auto_finalize_after_tool"`
	DumpDir                string `json:"dump_dir"`
}

// SessionConfig sets the registry's persistence root and eviction policy.
type SessionConfig struct {
	DataDir     string `json:"data_dir"`
	MaxSessions int    `json:"max_sessions"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
