package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchDigest(t *testing.T) {
	t.Parallel()
	body := []byte("<html><body>hello</body></html>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	got, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	sum := sha256.Sum256(body)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
}

func TestFetchSameBodySameDigest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stable content"))
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	d1, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("first Fetch error: %v", err)
	}
	d2, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second Fetch error: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ for identical bodies: %s vs %s", d1, d2)
	}
}

func TestFetchBadStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound {
		t.Fatalf("Code = %d, want %d", se.Code, http.StatusNotFound)
	}
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New()
	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("error = %v, want ErrUnreachable", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()), WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("error = %v, want ErrUnreachable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the fetch")
	}
}
