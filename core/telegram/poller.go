package telegram

import (
	"net"
	"strconv"
	"time"

	coreconfig "github.com/m3rciful/accountbot/core/config"

	tele "gopkg.in/telebot.v4"
)

const defaultPollTimeout = 10 * time.Second

// pollTimeout is how long one getUpdates request may hang.
func pollTimeout(cfg coreconfig.TelegramConfig) time.Duration {
	if cfg.LongPollTimeoutSeconds > 0 {
		return time.Duration(cfg.LongPollTimeoutSeconds) * time.Second
	}
	return defaultPollTimeout
}

// newPoller picks the update source for the configured run mode. The
// config is expected to be normalized.
func newPoller(cfg *coreconfig.Config) tele.Poller {
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:   net.JoinHostPort(cfg.Webhook.Listen, strconv.Itoa(cfg.Webhook.Port)),
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
		}
	}
	return &tele.LongPoller{Timeout: pollTimeout(cfg.Telegram)}
}

// httpOptions sizes the API client so a long poll never hits the client
// timeout before Telegram answers.
func httpOptions(cfg *coreconfig.Config) HTTPOptions {
	return HTTPOptions{
		ClientTimeout: pollTimeout(cfg.Telegram) + 20*time.Second,
		DialRetries:   2,
	}
}
