// Package push delivers Web Push notifications to participants who have no
// open socket when a message arrives. Subscriptions live in Postgres;
// delivery uses VAPID-signed requests to the browser push services.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/repository"
)

type Notifier struct {
	subs  *repository.PushSubRepository
	vapid *webpush.Options
}

// NewNotifier builds a notifier. With empty keys, Notify is a no-op
// (subscriptions are still accepted and stored).
func NewNotifier(subs *repository.PushSubRepository, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{subs: subs}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             int((24 * time.Hour).Seconds()),
		}
	}
	return n
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool { return n.vapid != nil }

// Notify sends a push to every subscription of the user. Gone endpoints
// (410/404) are pruned. Errors are logged, never surfaced: push is
// best-effort on top of the at-least-once REST/socket paths.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	defer logger.DeferLogDuration("push.Notify", time.Now())()

	subs, err := n.subs.ListForUser(ctx, userID)
	if err != nil {
		logger.Errorf("push list subs user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.subs.DeleteEndpoint(ctx, sub.Endpoint); err != nil {
				logger.Errorf("push prune endpoint: %v", err)
			}
		}
	}
}
