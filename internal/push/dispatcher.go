package push

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/classify"
	"github.com/primal-host/pushbridge/internal/metrics"
)

const (
	maxSendRetries  = 3
	retryBaseBackoff = 100 * time.Millisecond
)

// Dispatcher consumes classified notifications and delivers them to
// every device registered to the recipient, respecting per-device
// preferences and removing devices the gateway reports as inactive.
type Dispatcher struct {
	gateway *Gateway
	devices *DeviceStore
	log     *zap.SugaredLogger

	sent, failed int64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(gateway *Gateway, devices *DeviceStore, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{gateway: gateway, devices: devices, log: log}
}

// Run drains in until ctx is cancelled or in is closed, dispatching
// each notification to every enabled device for its recipient.
func (d *Dispatcher) Run(ctx context.Context, in <-chan classify.Notification) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			d.dispatch(ctx, n)
			count++
			if count%10 == 0 {
				d.log.Infow("dispatch stats", "sent", d.sent, "failed", d.failed)
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, n classify.Notification) {
	devices, err := d.devices.DevicesForDID(ctx, n.RecipientDID)
	if err != nil {
		d.log.Warnw("failed to load devices for recipient", "did", n.RecipientDID, "error", err)
		return
	}

	for _, dev := range devices {
		prefs, err := d.devices.GetPreferences(ctx, dev.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			d.log.Warnw("failed to load preferences", "device", dev.ID, "error", err)
			continue
		}
		if err == nil && !enabled(prefs, n.Kind) {
			continue
		}

		d.sendWithRetry(ctx, dev, n)
	}
}

func enabled(p Preferences, kind classify.NotificationKind) bool {
	switch kind {
	case classify.KindMention:
		return p.Mentions
	case classify.KindReply:
		return p.Replies
	case classify.KindLike:
		return p.Likes
	case classify.KindRepost:
		return p.Reposts
	case classify.KindQuote:
		return p.Quotes
	case classify.KindFollow:
		return p.Follows
	}
	return true
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, dev Device, n classify.Notification) {
	payload := Payload{
		Title: n.Title,
		Body:  n.Body,
		Data: map[string]string{
			"kind": string(n.Kind),
			"uri":  n.URI,
			"did":  n.ActorDID,
		},
	}

	backoff := retryBaseBackoff
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		err := d.gateway.Send(ctx, dev.DeviceToken, payload)
		if err == nil {
			d.sent++
			metrics.NotificationsSent.WithLabelValues(string(n.Kind), "sent").Inc()
			return
		}

		if errors.Is(err, ErrDeviceInactive) {
			metrics.NotificationsSent.WithLabelValues(string(n.Kind), "device_inactive").Inc()
			metrics.DevicesDeactivated.Inc()
			if derr := d.devices.DeactivateDevice(ctx, dev.DeviceToken); derr != nil {
				d.log.Warnw("failed to deactivate inactive device", "device", dev.ID, "error", derr)
			}
			return
		}

		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	d.failed++
	metrics.NotificationsSent.WithLabelValues(string(n.Kind), "failed").Inc()
	d.log.Warnw("notification delivery failed after retries", "device", dev.ID, "kind", n.Kind, "error", lastErr)
}
