package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	logx "sitewatch/pkg/logx"
)

// fileStore keeps the whole subscription set in memory and rewrites one JSON
// snapshot file on every mutation (atomic tmp+rename). Acceptable because the
// expected Watch count is small. Single-process only: two processes writing
// the same file would clobber each other.
//
// Layout on disk: subscriber id (string form) -> url -> digest.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	set  map[string]map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	set, err := loadSnapshot(path)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			// Data-loss tradeoff is accepted; make the loss loud.
			log.Error("state file corrupt; starting with empty subscription set",
				logx.String("path", path), logx.Err(err))
			set = map[string]map[string]string{}
		} else {
			return nil, err
		}
	}

	return &fileStore{log: log, path: path, set: set}, nil
}

func loadSnapshot(path string) (map[string]map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, err
	}
	var set map[string]map[string]string
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if set == nil {
		set = map[string]map[string]string{}
	}
	return set, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Register(ctx context.Context, subscriber int64, url, digest string) error {
	_ = ctx
	key := strconv.FormatInt(subscriber, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.set[key]
	if urls == nil {
		urls = map[string]string{}
		s.set[key] = urls
	}
	urls[url] = digest
	return s.persistLocked()
}

func (s *fileStore) Unregister(ctx context.Context, subscriber int64, url string) (bool, error) {
	_ = ctx
	key := strconv.FormatInt(subscriber, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.set[key]
	if _, ok := urls[url]; !ok {
		return false, nil
	}
	delete(urls, url)
	if len(urls) == 0 {
		delete(s.set, key)
	}
	return true, s.persistLocked()
}

func (s *fileStore) List(ctx context.Context, subscriber int64) ([]Watch, error) {
	_ = ctx
	key := strconv.FormatInt(subscriber, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.set[key]
	out := make([]Watch, 0, len(urls))
	for u, d := range urls {
		out = append(out, Watch{Subscriber: subscriber, URL: u, Digest: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *fileStore) All(ctx context.Context) ([]Watch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Watch
	for key, urls := range s.set {
		sub, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			// Foreign keys in the snapshot are skipped, not fatal.
			s.log.Warn("skipping non-numeric subscriber key in state file", logx.String("key", key))
			continue
		}
		for u, d := range urls {
			out = append(out, Watch{Subscriber: sub, URL: u, Digest: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subscriber != out[j].Subscriber {
			return out[i].Subscriber < out[j].Subscriber
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

func (s *fileStore) UpdateDigest(ctx context.Context, subscriber int64, url, digest string) error {
	_ = ctx
	key := strconv.FormatInt(subscriber, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	urls := s.set[key]
	if _, ok := urls[url]; !ok {
		// Watch was removed between the sweep's snapshot and this write.
		return nil
	}
	urls[url] = digest
	return s.persistLocked()
}

// persistLocked rewrites the snapshot atomically so a concurrent reader (or a
// crash mid-write) never observes a half-written file.
func (s *fileStore) persistLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.set); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
