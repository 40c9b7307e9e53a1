// Package turnrest mints coturn-compatible TURN REST (ephemeral)
// credentials for joined viewers.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<client_identity>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret []byte
	ttlSeconds   int64
	now          func() time.Time
}

type GeneratorConfig struct {
	SharedSecret string
	TTLSeconds   int64
	Now          func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret: []byte(cfg.SharedSecret),
		ttlSeconds:   cfg.TTLSeconds,
		now:          cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials for one client identity. The identity is
// the opaque value Turnstile bound the connection to; a ':' would break
// coturn's username parsing, so it is rejected.
func (g *Generator) Generate(clientID string) (Credentials, error) {
	if clientID == "" {
		return Credentials{}, errors.New("clientID is required")
	}
	if strings.ContainsRune(clientID, ':') {
		return Credentials{}, errors.New("clientID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s", expiryUnix, clientID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
