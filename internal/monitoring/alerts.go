package monitoring

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	goslack "github.com/slack-go/slack"
)

// Alerter pages a channel when an endpoint's consecutive-failure
// streak crosses the configured threshold. An Alerter built without a
// bot token or channel posts nothing; NotifyFailing then only logs a
// warning, matching the engine's soft-failure posture for anything
// outside the core request path.
type Alerter struct {
	client  *goslack.Client
	channel string
	log     zerolog.Logger
}

func NewAlerter(botToken, channel string, log zerolog.Logger) *Alerter {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Alerter{client: client, channel: channel, log: log.With().Str("component", "monitoring_alerter").Logger()}
}

func (a *Alerter) enabled() bool { return a.client != nil && a.channel != "" }

// NotifyFailing posts a degraded-endpoint alert on every call and keeps
// no state of its own. The engine calls it only when an endpoint's
// streak equals the alert threshold, so each failure streak alerts
// once rather than on every subsequent failure.
func (a *Alerter) NotifyFailing(ctx context.Context, endpoint string, streak int, lastError string) {
	if !a.enabled() {
		a.log.Warn().Str("endpoint", endpoint).Int("consecutive_failures", streak).Msg("alerting disabled, endpoint degraded")
		return
	}

	text := fmt.Sprintf(":rotating_light: *%s* has failed %d consecutive monitoring checks.\nLast error: %s", endpoint, streak, lastError)
	_, _, err := a.client.PostMessageContext(ctx, a.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		a.log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to post slack alert")
	}
}
