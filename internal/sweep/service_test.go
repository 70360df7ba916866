package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sitewatch/internal/kit"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		stored  string
		fetched string
		err     error
		want    Action
	}{
		{name: "unchanged", stored: "d1", fetched: "d1", want: ActionNone},
		{name: "changed", stored: "d1", fetched: "d2", want: ActionNotify},
		{name: "fetch failed", stored: "d1", err: errors.New("boom"), want: ActionSkip},
		{name: "fetch failed on changed site", stored: "d1", fetched: "", err: errors.New("boom"), want: ActionSkip},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.stored, tt.fetched, tt.err); got != tt.want {
				t.Fatalf("Decide(%q, %q, %v) = %v, want %v", tt.stored, tt.fetched, tt.err, got, tt.want)
			}
		})
	}
}

// fakeStore is an in-memory Store that records digest updates.
type fakeStore struct {
	mu      sync.Mutex
	watches []storage.Watch
	updates []storage.Watch
	allErr  error
}

func (f *fakeStore) Register(ctx context.Context, sub int64, url, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches = append(f.watches, storage.Watch{Subscriber: sub, URL: url, Digest: digest})
	return nil
}

func (f *fakeStore) Unregister(ctx context.Context, sub int64, url string) (bool, error) {
	return false, nil
}

func (f *fakeStore) List(ctx context.Context, sub int64) ([]storage.Watch, error) {
	return nil, nil
}

func (f *fakeStore) All(ctx context.Context) ([]storage.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allErr != nil {
		return nil, f.allErr
	}
	out := make([]storage.Watch, len(f.watches))
	copy(out, f.watches)
	return out, nil
}

func (f *fakeStore) UpdateDigest(ctx context.Context, sub int64, url, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, storage.Watch{Subscriber: sub, URL: url, Digest: digest})
	for i := range f.watches {
		if f.watches[i].Subscriber == sub && f.watches[i].URL == url {
			f.watches[i].Digest = digest
		}
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeFetcher returns a fixed digest or error per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	digests map[string]string
	errs    map[string]error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[url]; err != nil {
		return "", err
	}
	return f.digests[url], nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func newTestService(st *fakeStore, ft *fakeFetcher, nt *fakeNotifier) *Service {
	return New(Config{Enabled: true}, st, ft, nt, logx.Nop())
}

func TestRunOnceNotifiesOnChange(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 10, URL: "https://a.example", Digest: "d1"},
	}}
	ft := &fakeFetcher{digests: map[string]string{"https://a.example": "d2"}}
	nt := &fakeNotifier{}

	s := newTestService(st, ft, nt)
	s.RunOnce(context.Background())

	if len(nt.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(nt.sent))
	}
	n := nt.sent[0]
	if n.Target.ChatID != 10 {
		t.Fatalf("ChatID = %d, want 10", n.Target.ChatID)
	}
	if !strings.Contains(n.Text, "https://a.example") || !strings.Contains(n.Text, "Change detected") {
		t.Fatalf("unexpected message text: %q", n.Text)
	}
	if len(st.updates) != 1 || st.updates[0].Digest != "d2" {
		t.Fatalf("digest updates = %+v, want one update to d2", st.updates)
	}
}

func TestRunOnceNoDuplicateAlertAcrossSweeps(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 10, URL: "https://a.example", Digest: "d1"},
	}}
	ft := &fakeFetcher{digests: map[string]string{"https://a.example": "d2"}}
	nt := &fakeNotifier{}

	s := newTestService(st, ft, nt)
	s.RunOnce(context.Background())
	s.RunOnce(context.Background()) // content still at d2, now matches stored

	if len(nt.sent) != 1 {
		t.Fatalf("sent %d notifications across two sweeps, want 1", len(nt.sent))
	}
	if got := s.Sweeps(); got != 2 {
		t.Fatalf("Sweeps() = %d, want 2", got)
	}
}

func TestRunOnceFetchFailureIsolatesWatch(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 10, URL: "https://down.example", Digest: "d1"},
		{Subscriber: 11, URL: "https://up.example", Digest: "d1"},
	}}
	ft := &fakeFetcher{
		digests: map[string]string{"https://up.example": "d2"},
		errs:    map[string]error{"https://down.example": errors.New("connection refused")},
	}
	nt := &fakeNotifier{}

	s := newTestService(st, ft, nt)
	s.RunOnce(context.Background())

	// The failing watch produced no alert and no state change; the healthy
	// watch still got its alert in the same pass.
	if len(nt.sent) != 1 || nt.sent[0].Target.ChatID != 11 {
		t.Fatalf("notifications = %+v, want exactly one to subscriber 11", nt.sent)
	}
	for _, u := range st.updates {
		if u.URL == "https://down.example" {
			t.Fatal("digest updated for a watch whose fetch failed")
		}
	}
}

func TestRunOnceNotifyFailureStillCommitsDigest(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 10, URL: "https://a.example", Digest: "d1"},
	}}
	ft := &fakeFetcher{digests: map[string]string{"https://a.example": "d2"}}
	nt := &fakeNotifier{err: errors.New("telegram: 429")}

	s := newTestService(st, ft, nt)
	s.RunOnce(context.Background())

	if len(st.updates) != 1 || st.updates[0].Digest != "d2" {
		t.Fatalf("digest not committed after failed delivery: %+v", st.updates)
	}

	// At-most-once: the missed alert is not replayed on the next sweep.
	nt.err = nil
	s.RunOnce(context.Background())
	if len(nt.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1 (no replay)", len(nt.sent))
	}
}

func TestRunOnceSnapshotErrorAborts(t *testing.T) {
	t.Parallel()
	st := &fakeStore{allErr: errors.New("store unavailable")}
	ft := &fakeFetcher{}
	nt := &fakeNotifier{}

	s := newTestService(st, ft, nt)
	s.RunOnce(context.Background())

	if ft.calls != 0 {
		t.Fatalf("fetched %d times after snapshot failure, want 0", ft.calls)
	}
	if got := s.Sweeps(); got != 0 {
		t.Fatalf("Sweeps() = %d after aborted pass, want 0", got)
	}
}

func TestRunOnceCancellationStopsPass(t *testing.T) {
	t.Parallel()
	var watches []storage.Watch
	digests := map[string]string{}
	for i := 0; i < 50; i++ {
		u := fmt.Sprintf("https://site-%02d.example", i)
		watches = append(watches, storage.Watch{Subscriber: 1, URL: u, Digest: "d1"})
		digests[u] = "d1"
	}
	st := &fakeStore{watches: watches}
	nt := &fakeNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	ft := &fakeFetcher{digests: digests}
	s := New(Config{Enabled: true}, st, cancelAfter{ft, 5, cancel}, nt, logx.Nop())
	s.RunOnce(ctx)

	if ft.calls >= len(watches) {
		t.Fatalf("pass did not stop on cancellation: %d fetches", ft.calls)
	}
}

// blockingFetcher parks every Fetch call until release is closed, so tests
// can hold a sweep in flight at a known point.
type blockingFetcher struct {
	mu      sync.Mutex
	n       int
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	select {
	case f.entered <- struct{}{}:
	default:
	}
	<-f.release
	return "d2", nil
}

func (f *blockingFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func TestTickSkipsWhileSweepInFlight(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 1, URL: "https://a.example", Digest: "d1"},
	}}
	ft := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	nt := &fakeNotifier{}

	s := New(Config{Enabled: true, Interval: time.Hour}, st, ft, nt, logx.Nop())
	s.Start(context.Background())

	go s.tick()
	<-ft.entered // first sweep is parked inside its fetch

	// A tick firing mid-sweep must return without starting a second pass.
	s.tick()
	if got := ft.calls(); got != 1 {
		t.Fatalf("fetch calls = %d after overlapping tick, want 1", got)
	}
	if got := s.Sweeps(); got != 0 {
		t.Fatalf("Sweeps() = %d while first pass still in flight, want 0", got)
	}

	close(ft.release)
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := s.Sweeps(); got != 1 {
		t.Fatalf("Sweeps() = %d after drain, want 1", got)
	}
	if len(nt.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1 (second tick must not double-alert)", len(nt.sent))
	}
}

func TestStopDrainsActiveSweep(t *testing.T) {
	t.Parallel()
	st := &fakeStore{watches: []storage.Watch{
		{Subscriber: 1, URL: "https://a.example", Digest: "d1"},
	}}
	ft := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	nt := &fakeNotifier{}

	s := New(Config{Enabled: true, Interval: time.Hour}, st, ft, nt, logx.Nop())
	s.Start(context.Background())

	go s.tick()
	<-ft.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a sweep was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(ft.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the sweep drained")
	}
	if len(st.updates) != 1 || st.updates[0].Digest != "d2" {
		t.Fatalf("draining sweep did not commit its digest: %+v", st.updates)
	}
}

// cancelAfter cancels the pass context after n fetches.
type cancelAfter struct {
	inner  *fakeFetcher
	n      int
	cancel context.CancelFunc
}

func (c cancelAfter) Fetch(ctx context.Context, url string) (string, error) {
	d, err := c.inner.Fetch(ctx, url)
	c.inner.mu.Lock()
	calls := c.inner.calls
	c.inner.mu.Unlock()
	if calls >= c.n {
		c.cancel()
	}
	return d, err
}
