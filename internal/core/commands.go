package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sitewatch/internal/kit"
	"sitewatch/internal/storage"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

const startText = "Hi! I am a website monitoring bot. 🤖\n\n" +
	"Use /monitor <URL> to start watching a site.\n" +
	"Use /list to see all sites you are watching.\n" +
	"Use /stop <URL> to stop watching a site."

// Commands dispatches incoming chat messages to the subscription manager.
// It is intentionally dumb: parse, call the manager, reply. All invariants
// live behind the manager and the store.
type Commands struct {
	log     logx.Logger
	adapter kit.Adapter
	manager *watch.Manager

	mu     sync.Mutex
	owners map[int64]struct{}
}

func NewCommands(log logx.Logger, adapter kit.Adapter, manager *watch.Manager, owners []int64) *Commands {
	c := &Commands{log: log, adapter: adapter, manager: manager}
	c.SetOwners(owners)
	return c
}

// SetOwners replaces the access allowlist. An empty list means the bot is
// public and every sender may use it. Applied live on config reload.
func (c *Commands) SetOwners(owners []int64) {
	var m map[int64]struct{}
	if len(owners) > 0 {
		m = make(map[int64]struct{}, len(owners))
		for _, id := range owners {
			m[id] = struct{}{}
		}
	}
	c.mu.Lock()
	c.owners = m
	c.mu.Unlock()
}

func (c *Commands) allowed(from int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners == nil {
		return true
	}
	_, ok := c.owners[from]
	return ok
}

// DispatchLoop consumes updates until ctx is cancelled. Each command is
// handled synchronously with its own timeout; registration performs a network
// fetch, so the bound is the fetch timeout plus store I/O headroom.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			c.handle(ctx, up.Message)
		}
	}
}

func (c *Commands) handle(ctx context.Context, m *kit.Message) {
	cmd, args := splitCommand(m.Text)
	if cmd == "" {
		return
	}
	if !c.allowed(m.FromID) {
		c.log.Debug("command from non-owner ignored",
			logx.Int64("from", m.FromID), logx.String("cmd", cmd))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}

	switch cmd {
	case "start", "help":
		c.reply(ctx, to, startText)

	case "monitor":
		if len(args) != 1 {
			c.reply(ctx, to, "Usage: /monitor <URL>")
			return
		}
		c.monitor(ctx, to, m.ChatID, args[0])

	case "stop":
		if len(args) != 1 {
			c.reply(ctx, to, "Usage: /stop <URL>")
			return
		}
		c.stop(ctx, to, m.ChatID, args[0])

	case "list":
		c.list(ctx, to, m.ChatID)

	default:
		c.log.Debug("unknown command ignored", logx.String("cmd", cmd), logx.Int64("chat_id", m.ChatID))
	}
}

func (c *Commands) monitor(ctx context.Context, to kit.ChatTarget, subscriber int64, url string) {
	_, err := c.manager.Register(ctx, subscriber, url)
	switch {
	case err == nil:
		c.reply(ctx, to, fmt.Sprintf("✅ Started monitoring %s. I'll notify you of any changes!", url))
	case errors.Is(err, watch.ErrBadScheme):
		c.reply(ctx, to, "Please provide a valid URL starting with http:// or https://")
	default:
		c.log.Warn("register failed", logx.Int64("subscriber", subscriber), logx.String("url", url), logx.Err(err))
		c.reply(ctx, to, fmt.Sprintf("Could not fetch the website at %s. Please check the URL and try again.", url))
	}
}

func (c *Commands) stop(ctx context.Context, to kit.ChatTarget, subscriber int64, url string) {
	removed, err := c.manager.Unregister(ctx, subscriber, url)
	if err != nil {
		c.log.Warn("unregister failed", logx.Int64("subscriber", subscriber), logx.String("url", url), logx.Err(err))
		c.reply(ctx, to, "Something went wrong; please try again.")
		return
	}
	if removed {
		c.reply(ctx, to, fmt.Sprintf("❌ Stopped monitoring %s.", url))
	} else {
		c.reply(ctx, to, fmt.Sprintf("You are not currently monitoring %s.", url))
	}
}

func (c *Commands) list(ctx context.Context, to kit.ChatTarget, subscriber int64) {
	watches, err := c.manager.List(ctx, subscriber)
	if err != nil {
		c.log.Warn("list failed", logx.Int64("subscriber", subscriber), logx.Err(err))
		c.reply(ctx, to, "Something went wrong; please try again.")
		return
	}
	c.reply(ctx, to, formatList(watches))
}

func formatList(watches []storage.Watch) string {
	if len(watches) == 0 {
		return "You are not monitoring any websites yet. Use /monitor to start."
	}
	var b strings.Builder
	b.WriteString("You are currently monitoring the following sites:\n")
	for _, w := range watches {
		b.WriteString("- ")
		b.WriteString(w.URL)
		b.WriteString("\n")
	}
	return b.String()
}

func (c *Commands) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := c.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// splitCommand extracts "/cmd arg..." from a message. The "@botname" suffix
// Telegram appends in groups is stripped. Non-command text returns "".
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}
