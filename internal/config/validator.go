package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates the agent provider name
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai":
		return nil
	}
	return fmt.Errorf("invalid agent provider: %s (must be one of: anthropic, openai)", provider)
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	// <bot_id>:<secret>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateSlackTokens checks the app-level and bot token prefixes.
func (v *Validator) ValidateSlackTokens(appToken, botToken string) error {
	if !strings.HasPrefix(appToken, "xapp-") {
		return fmt.Errorf("slack app token must start with xapp-")
	}
	if !strings.HasPrefix(botToken, "xoxb-") {
		return fmt.Errorf("slack bot token must start with xoxb-")
	}
	return nil
}

// ValidateURL requires an absolute URL with one of the given schemes.
func (v *Validator) ValidateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid URL %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %s", field, strings.Join(schemes, ", "))
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: invalid listen address %q: %w", field, addr, err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron spec or @every descriptor.
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid state report schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every
// problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	add(v.ValidateProvider(cfg.Agent.Provider))
	add(v.ValidateAPIKey(cfg.Agent.APIKey, cfg.Agent.Provider))
	if cfg.Agent.Model == "" {
		add(fmt.Errorf("agent model cannot be empty"))
	}
	add(v.ValidateMaxTokens(cfg.Agent.MaxTokens))
	add(v.ValidateTemperature(cfg.Agent.Temperature))
	if cfg.Agent.HistoryLimit < 0 {
		add(fmt.Errorf("agent history_limit must be >= 0"))
	}

	b := cfg.Bridge
	if b.TypingInterval <= 0 {
		add(fmt.Errorf("bridge typing_interval must be positive"))
	}
	if b.ResponseTimeout <= 0 {
		add(fmt.Errorf("bridge response_timeout must be positive"))
	}
	if b.GraceChecks < 1 {
		add(fmt.Errorf("bridge grace_checks must be >= 1"))
	}
	if b.GraceTick <= 0 {
		add(fmt.Errorf("bridge grace_tick must be positive"))
	}
	if b.BackoffInitial <= 0 || b.BackoffMax < b.BackoffInitial {
		add(fmt.Errorf("bridge backoff must satisfy 0 < backoff_initial <= backoff_max"))
	}

	if cfg.Diagnostics.Enabled {
		add(v.ValidateListenAddr("diagnostics.listen_addr", cfg.Diagnostics.ListenAddr))
		if cfg.Diagnostics.StateReportSchedule != "" {
			add(v.ValidateSchedule(cfg.Diagnostics.StateReportSchedule))
		}
	}

	if cfg.Telegram.Enabled {
		add(v.ValidateTelegramToken(cfg.Telegram.BotToken))
		if cfg.Telegram.PollTimeout < 0 {
			add(fmt.Errorf("telegram poll_timeout must be >= 0"))
		}
	}
	if cfg.Discord.Enabled {
		if cfg.Discord.BotToken == "" {
			add(fmt.Errorf("discord bot token cannot be empty"))
		}
		add(v.ValidateURL("discord.gateway_url", cfg.Discord.GatewayURL, "wss", "ws"))
	}
	if cfg.Slack.Enabled {
		add(v.ValidateSlackTokens(cfg.Slack.AppToken, cfg.Slack.BotToken))
		add(v.ValidateURL("slack.api_url", cfg.Slack.APIURL, "https", "http"))
	}
	if cfg.Matrix.Enabled {
		add(v.ValidateURL("matrix.homeserver_url", cfg.Matrix.HomeserverURL, "https", "http"))
		if cfg.Matrix.AccessToken == "" {
			add(fmt.Errorf("matrix access token cannot be empty"))
		}
		if cfg.Matrix.SyncTimeout < 0 {
			add(fmt.Errorf("matrix sync_timeout must be >= 0"))
		}
	}
	if cfg.Webhook.Enabled {
		add(v.ValidateListenAddr("webhook.listen_addr", cfg.Webhook.ListenAddr))
		if cfg.Webhook.Secret == "" {
			add(fmt.Errorf("webhook secret cannot be empty"))
		}
		if !strings.HasPrefix(cfg.Webhook.Path, "/") {
			add(fmt.Errorf("webhook path must start with /"))
		}
		if cfg.Webhook.CallbackURL != "" {
			add(v.ValidateURL("webhook.callback_url", cfg.Webhook.CallbackURL, "https", "http"))
		}
		if cfg.Webhook.RateLimitPerMinute < 0 {
			add(fmt.Errorf("webhook rate_limit_per_minute must be >= 0"))
		}
	}
	if cfg.Socket.Enabled {
		add(v.ValidateListenAddr("socket.listen_addr", cfg.Socket.ListenAddr))
		if cfg.Socket.AuthToken == "" {
			add(fmt.Errorf("socket auth token cannot be empty"))
		}
		if !strings.HasPrefix(cfg.Socket.Path, "/") {
			add(fmt.Errorf("socket path must start with /"))
		}
	}

	return errs
}

// Validate returns all validation problems joined into one error.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
