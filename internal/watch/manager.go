// Package watch is the thin validation facade between the command layer and
// the subscription store.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitewatch/internal/fingerprint"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// ErrBadScheme rejects registration of anything that is not an absolute
// http:// or https:// URL. Checked once at registration time; sweeps trust
// what the store holds.
var ErrBadScheme = errors.New("watch: url must start with http:// or https://")

type Manager struct {
	store storage.Store
	fp    *fingerprint.Client
	log   logx.Logger
}

func NewManager(store storage.Store, fp *fingerprint.Client, log logx.Logger) *Manager {
	return &Manager{store: store, fp: fp, log: log}
}

// Register validates the URL, performs one synchronous fetch to obtain the
// initial digest, and persists the Watch only if that fetch succeeds. A Watch
// without a digest is never written. Registering an already-watched URL
// overwrites its digest rather than duplicating the entry.
func (m *Manager) Register(ctx context.Context, subscriber int64, url string) (string, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", ErrBadScheme
	}

	digest, err := m.fp.Fetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("initial fetch of %s failed: %w", url, err)
	}

	if err := m.store.Register(ctx, subscriber, url, digest); err != nil {
		return "", err
	}
	m.log.Info("watch registered",
		logx.Int64("subscriber", subscriber), logx.String("url", url))
	return digest, nil
}

// Unregister removes the Watch and reports whether it existed.
func (m *Manager) Unregister(ctx context.Context, subscriber int64, url string) (bool, error) {
	removed, err := m.store.Unregister(ctx, subscriber, strings.TrimSpace(url))
	if err != nil {
		return false, err
	}
	if removed {
		m.log.Info("watch removed",
			logx.Int64("subscriber", subscriber), logx.String("url", url))
	}
	return removed, nil
}

// List returns the subscriber's current Watches, ordered by URL.
func (m *Manager) List(ctx context.Context, subscriber int64) ([]storage.Watch, error) {
	return m.store.List(ctx, subscriber)
}
