package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	pubnubgo "github.com/pubnub/go/v7"
)

// Notifier delivers out-of-band notifications (admission nudges, booking
// confirmations) to a user's personal channel and grants clients read
// access to it. The push connection remains the authoritative admission
// signal; this is best-effort UX on top.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, msg NotificationMessage) error
	GrantToken(ctx context.Context) (string, error)
}

var _ Notifier = (*pubnubNotifier)(nil)

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UUIDKey, UUIDSubKey string
}

func NewPubNubNotifier(pnCfg *PubNubConfig) (Notifier, error) {
	if pnCfg == nil {
		return nil, fmt.Errorf("[NewPubNubNotifier] pnCfg: must not be nil")
	}

	cfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(pnCfg.UUIDKey))
	cfg.PublishKey = pnCfg.PublishKey
	cfg.SubscribeKey = pnCfg.SubscribeKey
	cfg.SecretKey = pnCfg.SecretKey

	return &pubnubNotifier{
		pn:         pubnubgo.NewPubNub(cfg),
		uuidSubKey: pnCfg.UUIDSubKey,
	}, nil
}

type pubnubNotifier struct {
	pn         *pubnubgo.PubNub
	uuidSubKey string
}

func (p *pubnubNotifier) SendToUser(ctx context.Context, userID string, msg NotificationMessage) error {
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	channel := fmt.Sprintf("channel-%s", userID)
	publish := p.pn.Publish()
	publish.Channel(channel).Message(string(messageJSON))
	if _, _, err := publish.Execute(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// GrantToken issues a read-only grant for the per-user channel pattern so
// browsers can subscribe without the secret key.
func (p *pubnubNotifier) GrantToken(ctx context.Context) (string, error) {
	grantToken := p.pn.GrantTokenWithContext(ctx)
	permissions := map[string]pubnubgo.ChannelPermissions{
		"^channel-[A-Za-z0-9-]*$": {
			Read: true,
		},
	}

	token, _, err := grantToken.TTL(60).AuthorizedUUID(p.uuidSubKey).ChannelsPattern(permissions).Execute()
	if err != nil {
		return "", err
	}
	return token.Data.Token, nil
}

// logNotifier stands in when PubNub keys are not configured.
type logNotifier struct{}

func NewLogNotifier() Notifier { return logNotifier{} }

func (logNotifier) SendToUser(ctx context.Context, userID string, msg NotificationMessage) error {
	slog.Info("notification (pubnub disabled)", "userID", userID, "type", msg.Type, "text", msg.Text)
	return nil
}

func (logNotifier) GrantToken(ctx context.Context) (string, error) {
	return "", fmt.Errorf("pubnub not configured")
}
