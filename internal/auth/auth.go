// Package auth implements connection authentication for the signaling
// surface: browser viewers prove humanity via Turnstile, host devices
// prove app/device integrity via Play Integrity, and a host's stream
// claim (an ES256 JWT signed with the device's own key) binds a public
// key and an optionally requested stream id.
package auth

import (
	"context"
	"fmt"
	"log/slog"
)

type Role int

const (
	RoleUnauthenticated Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "unauthenticated"
	}
}

// Hello is the first message on a new connection, carrying exactly one
// credential form.
type Hello struct {
	ClientToken string `json:"clientToken,omitempty"`
	HostToken   string `json:"hostToken,omitempty"`
	// Device is the host's self-reported device model, logged alongside
	// integrity verdicts.
	Device string `json:"device,omitempty"`
}

// Identity tags an authenticated connection.
type Identity struct {
	Role Role
	// ClientID is the opaque client identity bound by the verification
	// service. Empty for hosts.
	ClientID string
}

// Gate authenticates new connections. All failures collapse into one
// error namespace so a caller cannot learn which sub-check failed.
type Gate struct {
	Turnstile *TurnstileVerifier
	Integrity *IntegrityVerifier
	Logger    *slog.Logger
}

// FailureStatus is the single wire-visible status for every
// authentication rejection.
func FailureStatus(cause error) string {
	return fmt.Sprintf("TOKEN_VERIFICATION_FAILED:%v", cause)
}

func (g *Gate) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Authenticate verifies the hello credentials and returns the
// connection identity. The returned error message is the rejection
// cause; callers surface it only through FailureStatus.
func (g *Gate) Authenticate(ctx context.Context, hello Hello) (Identity, error) {
	switch {
	case hello.ClientToken == "" && hello.HostToken == "":
		return Identity{}, fmt.Errorf("NO_TOKEN_FOUND")
	case hello.ClientToken != "" && hello.HostToken != "":
		return Identity{}, fmt.Errorf("AMBIGUOUS_TOKEN")
	case hello.ClientToken != "":
		if g.Turnstile == nil {
			return Identity{}, fmt.Errorf("CLIENT_AUTH_DISABLED")
		}
		clientID, err := g.Turnstile.Verify(ctx, hello.ClientToken)
		if err != nil {
			return Identity{}, err
		}
		return Identity{Role: RoleClient, ClientID: clientID}, nil
	default:
		if g.Integrity == nil {
			return Identity{}, fmt.Errorf("HOST_AUTH_DISABLED")
		}
		if err := g.Integrity.Verify(ctx, hello.HostToken, hello.Device); err != nil {
			return Identity{}, err
		}
		return Identity{Role: RoleHost}, nil
	}
}
