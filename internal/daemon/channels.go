package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/harun/ranya-bridge/internal/config"
	"github.com/harun/ranya-bridge/internal/telegram"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/cursor"
	"github.com/harun/ranya-bridge/pkg/discord"
	"github.com/harun/ranya-bridge/pkg/gateway"
	"github.com/harun/ranya-bridge/pkg/matrix"
	"github.com/harun/ranya-bridge/pkg/slack"
	"github.com/harun/ranya-bridge/pkg/webhook"
)

// buildChannels constructs every enabled channel in start order.
func buildChannels(cfg *config.Config, deps channels.Deps, cursors cursor.Store) ([]channels.Channel, error) {
	var out []channels.Channel
	add := func(kind channels.ChannelKind, ch channels.Channel, err error) error {
		if err != nil {
			return fmt.Errorf("failed to create %s channel: %w", kind, err)
		}
		out = append(out, ch)
		return nil
	}
	backoffInitial, backoffMax := cfg.Bridge.BackoffInitial, cfg.Bridge.BackoffMax

	if cfg.Telegram.Enabled {
		ch, err := telegram.New(telegram.Options{
			Token:          cfg.Telegram.BotToken,
			APIEndpoint:    cfg.Telegram.APIEndpoint,
			PollTimeout:    cfg.Telegram.PollTimeout,
			MediaDir:       filepath.Join(cfg.DataDir, "media", "telegram"),
			Cursors:        cursors,
			BackoffInitial: backoffInitial,
			BackoffMax:     backoffMax,
		}, deps)
		if err := add(channels.KindBotLongPoll, ch, err); err != nil {
			return nil, err
		}
	}

	if cfg.Discord.Enabled {
		ch, err := discord.New(discord.Options{
			Token:          cfg.Discord.BotToken,
			GatewayURL:     cfg.Discord.GatewayURL,
			BackoffInitial: backoffInitial,
			BackoffMax:     backoffMax,
		}, deps)
		if err := add(channels.KindGatewaySocket, ch, err); err != nil {
			return nil, err
		}
	}

	if cfg.Slack.Enabled {
		ch, err := slack.New(slack.Options{
			AppToken:       cfg.Slack.AppToken,
			BotToken:       cfg.Slack.BotToken,
			APIURL:         cfg.Slack.APIURL,
			BackoffInitial: backoffInitial,
			BackoffMax:     backoffMax,
		}, deps)
		if err := add(channels.KindSocketEvents, ch, err); err != nil {
			return nil, err
		}
	}

	if cfg.Matrix.Enabled {
		ch, err := matrix.New(matrix.Options{
			HomeserverURL:  cfg.Matrix.HomeserverURL,
			AccessToken:    cfg.Matrix.AccessToken,
			SyncTimeout:    cfg.Matrix.SyncTimeout,
			Cursors:        cursors,
			BackoffInitial: backoffInitial,
			BackoffMax:     backoffMax,
		}, deps)
		if err := add(channels.KindFederationLongPoll, ch, err); err != nil {
			return nil, err
		}
	}

	if cfg.Webhook.Enabled {
		ch, err := webhook.New(webhook.Options{
			ListenAddr:         cfg.Webhook.ListenAddr,
			Path:               cfg.Webhook.Path,
			Secret:             cfg.Webhook.Secret,
			SignatureHeader:    cfg.Webhook.SignatureHeader,
			CallbackURL:        cfg.Webhook.CallbackURL,
			RateLimitPerMinute: cfg.Webhook.RateLimitPerMinute,
		}, deps)
		if err := add(channels.KindWebhook, ch, err); err != nil {
			return nil, err
		}
	}

	if cfg.Socket.Enabled {
		ch, err := gateway.New(gateway.Options{
			ListenAddr:         cfg.Socket.ListenAddr,
			Path:               cfg.Socket.Path,
			AuthToken:          cfg.Socket.AuthToken,
			AllowedOrigins:     cfg.Socket.AllowedOrigins,
			RateLimitPerMinute: cfg.Socket.RateLimitPerMinute,
		}, deps)
		if err := add(channels.KindSelfHostedSocket, ch, err); err != nil {
			return nil, err
		}
	}

	return out, nil
}
