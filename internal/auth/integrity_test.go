package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeNonces struct{ live map[string]bool }

func (n *fakeNonces) Consume(token string) bool {
	ok := n.live[token]
	delete(n.live, token)
	return ok
}

const testCertDigest = "gxbwrXv1aGNTN3aGE67XY7z5XQ1qCOdTUlTOkVrbVbg"

func goodPayload(now time.Time) map[string]any {
	return map[string]any{
		"requestDetails": map[string]any{
			"requestPackageName": "io.screenstream.host",
			"requestHash":        "nonce-1",
			"timestampMillis":    fmt.Sprint(now.UnixMilli()),
		},
		"deviceIntegrity": map[string]any{
			"deviceRecognitionVerdict": []string{"MEETS_DEVICE_INTEGRITY"},
		},
		"appIntegrity": map[string]any{
			"appRecognitionVerdict":   "PLAY_RECOGNIZED",
			"packageName":             "io.screenstream.host",
			"certificateSha256Digest": []string{testCertDigest},
			"versionCode":             "42",
		},
		"accountDetails": map[string]any{"appLicensingVerdict": "LICENSED"},
	}
}

func integrityServer(t *testing.T, payload map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/v1/io.screenstream.host:decodeIntegrityToken"; r.URL.Path != want {
			t.Errorf("got path %q, want %q", r.URL.Path, want)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-bearer" {
			t.Errorf("got authorization %q, want bearer token", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"tokenPayloadExternal": payload})
	}))
}

func testIntegrityVerifier(endpoint string, now time.Time) (*IntegrityVerifier, *fakeNonces) {
	nonces := &fakeNonces{live: map[string]bool{"nonce-1": true}}
	return &IntegrityVerifier{
		AppPackage:  "io.screenstream.host",
		CertSHA256:  testCertDigest,
		Endpoint:    endpoint,
		Tokens:      StaticTokenSource("test-bearer"),
		Nonces:      nonces,
		MaxTokenAge: time.Hour,
		Now:         func() time.Time { return now },
		Logger:      slog.New(slog.NewTextHandler(&strings.Builder{}, nil)),
	}, nonces
}

func TestIntegrityVerifyOK(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := integrityServer(t, goodPayload(now))
	defer srv.Close()

	v, nonces := testIntegrityVerifier(srv.URL, now)
	if err := v.Verify(context.Background(), "itoken", "Pixel 8"); err != nil {
		t.Fatal(err)
	}
	if nonces.live["nonce-1"] {
		t.Fatal("nonce was not consumed")
	}
}

func TestIntegrityVerifyReplayRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := integrityServer(t, goodPayload(now))
	defer srv.Close()

	v, _ := testIntegrityVerifier(srv.URL, now)
	if err := v.Verify(context.Background(), "itoken", "Pixel 8"); err != nil {
		t.Fatal(err)
	}
	err := v.Verify(context.Background(), "itoken", "Pixel 8")
	if err == nil || !strings.Contains(err.Error(), "INVALID_NONCE") {
		t.Fatalf("got err %v, want INVALID_NONCE", err)
	}
}

func TestIntegrityVerifyStaleToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := goodPayload(now.Add(-2 * time.Hour))
	srv := integrityServer(t, payload)
	defer srv.Close()

	v, _ := testIntegrityVerifier(srv.URL, now)
	err := v.Verify(context.Background(), "itoken", "Pixel 8")
	if err == nil || !strings.Contains(err.Error(), "TOKEN_EXPIRED:120") {
		t.Fatalf("got err %v, want TOKEN_EXPIRED:120", err)
	}
}

func TestIntegrityVerifyStructuralFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, tc := range []struct {
		name    string
		mutate  func(map[string]any)
		wantErr string
	}{
		{
			"wrong package",
			func(p map[string]any) {
				p["requestDetails"].(map[string]any)["requestPackageName"] = "io.evil.app"
			},
			"REQUEST_DETAILS_WRONG_PACKAGE_NAME",
		},
		{
			"missing request details",
			func(p map[string]any) { delete(p, "requestDetails") },
			"EMPTY_REQUEST_DETAILS",
		},
		{
			"unknown nonce",
			func(p map[string]any) {
				p["requestDetails"].(map[string]any)["requestHash"] = "never-issued"
			},
			"INVALID_NONCE",
		},
	} {
		payload := goodPayload(now)
		tc.mutate(payload)
		srv := integrityServer(t, payload)
		v, _ := testIntegrityVerifier(srv.URL, now)
		err := v.Verify(context.Background(), "itoken", "Pixel 8")
		srv.Close()
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: got err %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestIntegrityVerifyEmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	v, _ := testIntegrityVerifier(srv.URL, time.Unix(1_700_000_000, 0))
	err := v.Verify(context.Background(), "itoken", "Pixel 8")
	if err == nil || !strings.Contains(err.Error(), "EMPTY_PAYLOAD") {
		t.Fatalf("got err %v, want EMPTY_PAYLOAD", err)
	}
}

// A failed verdict is logged, not fatal: the connection still passes.
func TestIntegrityVerifyBadVerdictNotFatal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := goodPayload(now)
	payload["deviceIntegrity"].(map[string]any)["deviceRecognitionVerdict"] = []string{"MEETS_BASIC_INTEGRITY"}
	srv := integrityServer(t, payload)
	defer srv.Close()

	var logged strings.Builder
	v, _ := testIntegrityVerifier(srv.URL, now)
	v.Logger = slog.New(slog.NewTextHandler(&logged, nil))
	if err := v.Verify(context.Background(), "itoken", "Pixel 8"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logged.String(), "FAIL_DEVICE_INTEGRITY") {
		t.Fatalf("verdict failure not logged, got: %s", logged.String())
	}
}

func TestIntegrityCheckVerdictsDevBuild(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v, _ := testIntegrityVerifier("http://unused", now)
	v.AppPackage = "io.screenstream.host.dev"

	payload := goodPayload(now)
	app := payload["appIntegrity"].(map[string]any)
	app["appRecognitionVerdict"] = "UNRECOGNIZED_VERSION"
	app["packageName"] = "io.screenstream.host.dev"
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var decoded integrityPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := v.checkVerdicts(&decoded); err != nil {
		t.Fatalf("dev build with UNRECOGNIZED_VERSION should pass verdicts, got %v", err)
	}

	app["appRecognitionVerdict"] = "PLAY_RECOGNIZED"
	raw, _ = json.Marshal(payload)
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := v.checkVerdicts(&decoded); err == nil || !strings.Contains(err.Error(), "WRONG_APP_VERDICT") {
		t.Fatalf("got err %v, want WRONG_APP_VERDICT", err)
	}
}
