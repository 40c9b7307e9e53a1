package auth

import (
	"context"
	"testing"
)

func TestGateRejectsBadHello(t *testing.T) {
	g := &Gate{}
	for _, tc := range []struct {
		name    string
		hello   Hello
		wantErr string
	}{
		{"no token", Hello{}, "NO_TOKEN_FOUND"},
		{"both tokens", Hello{ClientToken: "a", HostToken: "b"}, "AMBIGUOUS_TOKEN"},
	} {
		_, err := g.Authenticate(context.Background(), tc.hello)
		if err == nil || err.Error() != tc.wantErr {
			t.Errorf("%s: got err %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestFailureStatus(t *testing.T) {
	g := &Gate{}
	_, err := g.Authenticate(context.Background(), Hello{})
	if got, want := FailureStatus(err), "TOKEN_VERIFICATION_FAILED:NO_TOKEN_FOUND"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRoleString(t *testing.T) {
	if got := RoleHost.String(); got != "host" {
		t.Fatalf("got %q, want host", got)
	}
	if got := RoleClient.String(); got != "client" {
		t.Fatalf("got %q, want client", got)
	}
	if got := RoleUnauthenticated.String(); got != "unauthenticated" {
		t.Fatalf("got %q, want unauthenticated", got)
	}
}
