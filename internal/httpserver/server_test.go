package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/screenstream/relay/internal/config"
	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/nonce"
)

type fakeNonces struct {
	token string
	err   error
}

func (n fakeNonces) Issue() (string, error) { return n.token, n.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg config.Config, nonces NonceIssuer) *httptest.Server {
	t.Helper()
	if nonces == nil {
		nonces = nonce.NewStore(nil)
	}
	s := New(cfg, nonces, nil, metrics.New(), discardLogger())
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, config.Config{Mode: config.ModeDev}, nil)
	resp, err := http.Get(ts.URL + "/app/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("got cache-control %q, want no-store", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("got nosniff header %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestNonce(t *testing.T) {
	ts := newTestServer(t, config.Config{Mode: config.ModeDev}, fakeNonces{token: "abc123"})
	resp, err := http.Get(ts.URL + "/app/nonce")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "abc123" {
		t.Fatalf("got body %q, want abc123", body)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("got cache-control %q, want no-store", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("got content-type %q", got)
	}
	if !resp.Close {
		t.Fatal("nonce response should close the connection")
	}
}

func TestNonceBusy(t *testing.T) {
	ts := newTestServer(t, config.Config{Mode: config.ModeDev}, fakeNonces{err: nonce.ErrBusy})
	resp, err := http.Get(ts.URL + "/app/nonce")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", resp.StatusCode)
	}
}

func TestNonceFromRealStore(t *testing.T) {
	store := nonce.NewStore(nil)
	ts := newTestServer(t, config.Config{Mode: config.ModeDev}, store)
	resp, err := http.Get(ts.URL + "/app/nonce")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("empty nonce")
	}
	if !store.Consume(string(body)) {
		t.Fatal("issued nonce not consumable")
	}
}

func TestOriginCheck(t *testing.T) {
	prod := config.Config{Mode: config.ModeProd, ServerOrigin: "screenstream.io"}
	ts := newTestServer(t, prod, nil)

	get := func(origin string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/app/ping", nil)
		if err != nil {
			t.Fatal(err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get(""); got != http.StatusNoContent {
		t.Fatalf("no origin: got %d, want 204", got)
	}
	if got := get("https://screenstream.io"); got != http.StatusNoContent {
		t.Fatalf("own origin: got %d, want 204", got)
	}
	if got := get("https://evil.example"); got != http.StatusForbidden {
		t.Fatalf("foreign origin: got %d, want 403", got)
	}
}

func TestDebugMetricsOnlyInDev(t *testing.T) {
	dev := newTestServer(t, config.Config{Mode: config.ModeDev}, nil)
	resp, err := http.Get(dev.URL + "/debug/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev: got status %d, want 200", resp.StatusCode)
	}

	prod := newTestServer(t, config.Config{Mode: config.ModeProd, ServerOrigin: "screenstream.io"}, nil)
	resp, err = http.Get(prod.URL + "/debug/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("prod: got status %d, want 404", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, config.Config{Mode: config.ModeDev}, nil)
	resp, err := http.Get(ts.URL + "/app/other")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", resp.StatusCode)
	}
}
