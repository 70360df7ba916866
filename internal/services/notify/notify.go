// Package notify delivers change alerts to subscribers through the chat
// adapter. Delivery is best-effort: the sweep commits its digest update
// whether or not the send succeeded, trading a possibly missed alert for
// never repeating the same alert every sweep.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sitewatch/internal/kit"
	logx "sitewatch/pkg/logx"
)

type Config struct {
	// RatePerSec bounds outgoing sends across all subscribers so a mass
	// change event does not trip Telegram flood limits. Defaults to 3.
	RatePerSec int
}

type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	history []kit.Notification
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	s := &Service{adapter: adapter, log: log}
	s.Apply(cfg)
	return s
}

// Apply updates rate limiting live on config reload.
func (n *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	n.mu.Lock()
	n.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	n.mu.Unlock()
}

func (n *Service) Notify(ctx context.Context, noti kit.Notification) error {
	if noti.Channel == "" {
		noti.Channel = "telegram"
	}
	if noti.Options == nil {
		noti.Options = &kit.SendOptions{DisablePreview: true}
	}

	n.mu.Lock()
	lim := n.limiter
	n.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := n.adapter.SendText(sendCtx, noti.Target, noti.Text, noti.Options)
	if err != nil {
		n.log.Warn("notification send failed",
			logx.String("channel", noti.Channel),
			logx.Int64("chat_id", noti.Target.ChatID),
			logx.Err(err))
	} else {
		n.log.Debug("notification sent",
			logx.String("channel", noti.Channel),
			logx.Int64("chat_id", noti.Target.ChatID))
	}
	n.appendHistory(noti)
	return err
}

func (n *Service) appendHistory(x kit.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, x)
	if len(n.history) > 300 {
		n.history = n.history[len(n.history)-300:]
	}
}

// History returns a copy of recent notifications, newest last.
func (n *Service) History() []kit.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]kit.Notification(nil), n.history...)
}

func (n *Service) Stop(ctx context.Context) {
	// no background workers currently
}
