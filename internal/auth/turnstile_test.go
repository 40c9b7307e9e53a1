package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func turnstileServer(t *testing.T, verdict turnstileVerdict) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad siteverify body: %v", err)
		}
		if req["secret"] != "shhh" {
			t.Errorf("got secret %q, want shhh", req["secret"])
		}
		if req["response"] == "" {
			t.Error("siteverify request missing response token")
		}
		json.NewEncoder(w).Encode(verdict)
	}))
}

func TestTurnstileVerifyOK(t *testing.T) {
	srv := turnstileServer(t, turnstileVerdict{
		Success:  true,
		Hostname: "screenstream.io",
		CData:    "client-abc",
	})
	defer srv.Close()

	v := &TurnstileVerifier{Secret: "shhh", Origin: "screenstream.io", Endpoint: srv.URL}
	clientID, err := v.Verify(context.Background(), "token")
	if err != nil {
		t.Fatal(err)
	}
	if clientID != "client-abc" {
		t.Fatalf("got client id %q, want client-abc", clientID)
	}
}

func TestTurnstileVerifyRejects(t *testing.T) {
	for _, tc := range []struct {
		name    string
		verdict turnstileVerdict
		wantErr string
	}{
		{
			"failed challenge",
			turnstileVerdict{Success: false, ErrorCodes: []string{"invalid-input-response"}},
			"TURNSTYLE_INVALID_TOKEN",
		},
		{
			"wrong hostname",
			turnstileVerdict{Success: true, Hostname: "evil.example", CData: "client-abc"},
			"TURNSTYLE_INVALID_HOSTNAME",
		},
		{
			"missing cdata",
			turnstileVerdict{Success: true, Hostname: "screenstream.io"},
			"TURNSTYLE_INVALID_CLIENT_ID",
		},
	} {
		srv := turnstileServer(t, tc.verdict)
		v := &TurnstileVerifier{Secret: "shhh", Origin: "screenstream.io", Endpoint: srv.URL}
		_, err := v.Verify(context.Background(), "token")
		srv.Close()
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: got err %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestTurnstileVerifyUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	v := &TurnstileVerifier{Secret: "shhh", Origin: "screenstream.io", Endpoint: srv.URL}
	if _, err := v.Verify(context.Background(), "token"); err == nil || !strings.Contains(err.Error(), "TURNSTYLE_REQUEST_FAILED") {
		t.Fatalf("got err %v, want TURNSTYLE_REQUEST_FAILED", err)
	}
}
