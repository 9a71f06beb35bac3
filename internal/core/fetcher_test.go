package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchAsMarkdown_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "mdgate/") {
			t.Errorf("unexpected user agent: %q", ua)
		}
		w.Write([]byte(`<h1>Docs</h1><p>Welcome</p>`))
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	got := f.FetchAsMarkdown(context.Background(), srv.URL, 30000)
	if got != "# Docs\n\nWelcome" {
		t.Fatalf("got %q", got)
	}
	if IsFetchError(got) {
		t.Fatal("success result flagged as fetch error")
	}
}

func TestFetchAsMarkdown_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	got := f.FetchAsMarkdown(context.Background(), srv.URL, 30000)
	if !strings.HasPrefix(got, "Error: Could not fetch") {
		t.Fatalf("got %q, want Error: Could not fetch prefix", got)
	}
	if !strings.Contains(got, "(404)") {
		t.Fatalf("status missing from error text: %q", got)
	}
	if !IsFetchError(got) {
		t.Fatal("non-2xx result not flagged as fetch error")
	}
}

func TestFetchAsMarkdown_TransportError(t *testing.T) {
	f := NewFetcher(time.Second)
	// 没有监听者的端口
	got := f.FetchAsMarkdown(context.Background(), "http://127.0.0.1:1", 30000)
	if !strings.HasPrefix(got, "Error fetching") {
		t.Fatalf("got %q, want Error fetching prefix", got)
	}
	if !IsFetchError(got) {
		t.Fatal("transport error not flagged as fetch error")
	}
}

func TestFetchAsMarkdown_Truncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>" + strings.Repeat("a", 500) + "</p>"))
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	got := f.FetchAsMarkdown(context.Background(), srv.URL, 100)
	if len(got) != 100 {
		t.Fatalf("len = %d, want 100", len(got))
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"example.com":          "https://example.com",
		"http://example.com":   "http://example.com",
		"https://example.com/": "https://example.com/",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("short string modified: %q", got)
	}
	if got := Truncate("hello", 3); got != "hel" {
		t.Fatalf("got %q, want %q", got, "hel")
	}
	if got := Truncate("hello", 0); got != "hello" {
		t.Fatalf("zero cap should disable truncation, got %q", got)
	}
}
