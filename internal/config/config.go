package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the bridge configuration
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Bridge      BridgeConfig      `json:"bridge" mapstructure:"bridge"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" mapstructure:"diagnostics"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`

	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Discord  DiscordConfig  `json:"discord" mapstructure:"discord"`
	Slack    SlackConfig    `json:"slack" mapstructure:"slack"`
	Matrix   MatrixConfig   `json:"matrix" mapstructure:"matrix"`
	Webhook  WebhookConfig  `json:"webhook" mapstructure:"webhook"`
	Socket   SocketConfig   `json:"socket" mapstructure:"socket"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	AuditFile  string `json:"audit_file" mapstructure:"audit_file"`
}

// BridgeConfig tunes the shared inbound pipeline.
type BridgeConfig struct {
	TypingInterval  time.Duration `json:"typing_interval" mapstructure:"typing_interval"`
	ResponseTimeout time.Duration `json:"response_timeout" mapstructure:"response_timeout"`
	GraceChecks     int           `json:"grace_checks" mapstructure:"grace_checks"`
	GraceTick       time.Duration `json:"grace_tick" mapstructure:"grace_tick"`
	BackoffInitial  time.Duration `json:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
}

// DiagnosticsConfig configures the metrics/status HTTP listener.
type DiagnosticsConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr          string `json:"listen_addr" mapstructure:"listen_addr"`
	StateReportSchedule string `json:"state_report_schedule" mapstructure:"state_report_schedule"`
}

// AgentConfig selects the LLM provider behind the executor.
type AgentConfig struct {
	Provider     string        `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model        string        `json:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
	HistoryLimit int           `json:"history_limit" mapstructure:"history_limit"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
}

// TelegramConfig configures the bot long-poll adapter.
type TelegramConfig struct {
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	BotToken    string   `json:"bot_token" mapstructure:"bot_token"`
	APIEndpoint string   `json:"api_endpoint" mapstructure:"api_endpoint"`
	PollTimeout int      `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
	AllowFrom   []string `json:"allow_from" mapstructure:"allow_from"`
}

// DiscordConfig configures the gateway socket adapter.
type DiscordConfig struct {
	Enabled    bool     `json:"enabled" mapstructure:"enabled"`
	BotToken   string   `json:"bot_token" mapstructure:"bot_token"`
	GatewayURL string   `json:"gateway_url" mapstructure:"gateway_url"`
	AllowFrom  []string `json:"allow_from" mapstructure:"allow_from"`
}

// SlackConfig configures the socket-events adapter.
type SlackConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled"`
	AppToken  string   `json:"app_token" mapstructure:"app_token"`
	BotToken  string   `json:"bot_token" mapstructure:"bot_token"`
	APIURL    string   `json:"api_url" mapstructure:"api_url"`
	AllowFrom []string `json:"allow_from" mapstructure:"allow_from"`
}

// MatrixConfig configures the federation long-poll adapter.
type MatrixConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	HomeserverURL string        `json:"homeserver_url" mapstructure:"homeserver_url"`
	AccessToken   string        `json:"access_token" mapstructure:"access_token"`
	SyncTimeout   time.Duration `json:"sync_timeout" mapstructure:"sync_timeout"`
	AllowFrom     []string      `json:"allow_from" mapstructure:"allow_from"`
}

// WebhookConfig configures the signed webhook receiver.
type WebhookConfig struct {
	Enabled            bool     `json:"enabled" mapstructure:"enabled"`
	ListenAddr         string   `json:"listen_addr" mapstructure:"listen_addr"`
	Path               string   `json:"path" mapstructure:"path"`
	Secret             string   `json:"secret" mapstructure:"secret"`
	SignatureHeader    string   `json:"signature_header" mapstructure:"signature_header"`
	CallbackURL        string   `json:"callback_url" mapstructure:"callback_url"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	AllowFrom          []string `json:"allow_from" mapstructure:"allow_from"`
}

// SocketConfig configures the self-hosted socket server.
type SocketConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	ListenAddr     string   `json:"listen_addr" mapstructure:"listen_addr"`
	Path           string   `json:"path" mapstructure:"path"`
	AuthToken      string   `json:"auth_token" mapstructure:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowFrom      []string `json:"allow_from" mapstructure:"allow_from"`

	// RateLimitPerMinute bounds message frames per session; 0 disables it.
	RateLimitPerMinute int `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Pretty:     true,
			Redaction:  true,
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Bridge: BridgeConfig{
			TypingInterval:  4 * time.Second,
			ResponseTimeout: 5 * time.Minute,
			GraceChecks:     3,
			GraceTick:       500 * time.Millisecond,
			BackoffInitial:  3 * time.Second,
			BackoffMax:      60 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:             true,
			ListenAddr:          "127.0.0.1:9470",
			StateReportSchedule: "@every 5m",
		},
		Agent: AgentConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5",
			MaxTokens:    4096,
			HistoryLimit: 50,
			Timeout:      4 * time.Minute,
		},
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Discord: DiscordConfig{
			GatewayURL: "wss://gateway.discord.gg/?v=10&encoding=json",
		},
		Slack: SlackConfig{
			APIURL: "https://slack.com/api/",
		},
		Matrix: MatrixConfig{
			SyncTimeout: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			ListenAddr:         "127.0.0.1:9471",
			Path:               "/webhook",
			SignatureHeader:    "X-Signature-256",
			RateLimitPerMinute: 60,
		},
		Socket: SocketConfig{
			ListenAddr:         "127.0.0.1:9472",
			Path:               "/ws",
			RateLimitPerMinute: 60,
		},
	}
}

// AllowLists returns the configured allow-list of every channel keyed by
// channel kind.
func (c *Config) AllowLists() map[string][]string {
	return map[string][]string{
		"telegram": c.Telegram.AllowFrom,
		"discord":  c.Discord.AllowFrom,
		"slack":    c.Slack.AllowFrom,
		"matrix":   c.Matrix.AllowFrom,
		"webhook":  c.Webhook.AllowFrom,
		"socket":   c.Socket.AllowFrom,
	}
}

// EnabledChannels returns the kinds of every enabled channel.
func (c *Config) EnabledChannels() []string {
	var out []string
	for _, ch := range []struct {
		name    string
		enabled bool
	}{
		{"telegram", c.Telegram.Enabled},
		{"discord", c.Discord.Enabled},
		{"slack", c.Slack.Enabled},
		{"matrix", c.Matrix.Enabled},
		{"webhook", c.Webhook.Enabled},
		{"socket", c.Socket.Enabled},
	} {
		if ch.enabled {
			out = append(out, ch.name)
		}
	}
	return out
}

// ToJSON serializes the config
func (c *Config) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
