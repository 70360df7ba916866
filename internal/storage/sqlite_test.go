package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "sitewatch/pkg/logx"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	st, err := openSQLite(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "watches.db"),
		BusyTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("openSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteUpsertAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLiteStore(t)

	if err := st.Register(ctx, 3, "https://x.example", "old"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := st.Register(ctx, 3, "https://x.example", "new"); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	got, err := st.List(ctx, 3)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || got[0].Digest != "new" {
		t.Fatalf("List = %+v, want single watch with digest new", got)
	}
}

func TestSQLiteUnregisterAndUpdateDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLiteStore(t)

	if err := st.Register(ctx, 3, "https://x.example", "d1"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := st.UpdateDigest(ctx, 3, "https://x.example", "d2"); err != nil {
		t.Fatalf("UpdateDigest error: %v", err)
	}
	got, err := st.List(ctx, 3)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if got[0].Digest != "d2" {
		t.Fatalf("Digest = %s, want d2", got[0].Digest)
	}

	removed, err := st.Unregister(ctx, 3, "https://x.example")
	if err != nil || !removed {
		t.Fatalf("Unregister = (%v, %v), want (true, nil)", removed, err)
	}

	// After removal the digest write must not recreate the row.
	if err := st.UpdateDigest(ctx, 3, "https://x.example", "d3"); err != nil {
		t.Fatalf("UpdateDigest after removal: %v", err)
	}
	all, err := st.All(ctx)
	if err != nil {
		t.Fatalf("All error: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("All = %+v, want empty", all)
	}
}

func TestSQLiteAllOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLiteStore(t)

	for _, w := range []Watch{
		{Subscriber: 2, URL: "https://b.example", Digest: "x"},
		{Subscriber: 1, URL: "https://z.example", Digest: "x"},
		{Subscriber: 1, URL: "https://a.example", Digest: "x"},
	} {
		if err := st.Register(ctx, w.Subscriber, w.URL, w.Digest); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	all, err := st.All(ctx)
	if err != nil {
		t.Fatalf("All error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All returned %d rows, want 3", len(all))
	}
	if all[0].Subscriber != 1 || all[0].URL != "https://a.example" ||
		all[2].Subscriber != 2 {
		t.Fatalf("unexpected order: %+v", all)
	}
}
