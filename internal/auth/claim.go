package auth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/screenstream/relay/internal/registry"
)

const (
	maxClaimHeaderB64Len  = 4 * 1024
	maxClaimPayloadB64Len = 16 * 1024
	// ES256 signatures are a raw 64-byte R||S pair, 86 chars base64url.
	es256SigLen    = 64
	es256SigB64Len = 86
	maxClaimLen    = maxClaimHeaderB64Len + 1 + maxClaimPayloadB64Len + 1 + es256SigB64Len
)

// StreamClaim is the verified content of a host's stream claim.
type StreamClaim struct {
	// PubKey is the SPKI PEM the claim was verified against. It doubles
	// as the ownership proof when a host reclaims a stream id.
	PubKey string
	// StreamID is the requested id, empty when the host wants a fresh one.
	StreamID string
}

// ClaimVerifier verifies a host's detached stream claim: an ES256 JWT
// self-signed with the key whose public half travels inside the claim.
// Trust comes not from the key itself but from the attestation check
// the connection already passed; the claim only binds that trusted
// connection to a key pair.
type ClaimVerifier struct {
	// Audience must match the claim's aud (this server's origin).
	Audience string
	// Issuer must match the claim's iss (the host app's package).
	Issuer string

	Now func() time.Time
}

func (v ClaimVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v ClaimVerifier) Verify(token string) (StreamClaim, error) {
	headerB64, payloadB64, sigB64, ok := splitClaimParts(token)
	if !ok {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_FORMAT")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_HEADER")
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_HEADER")
	}
	if header.Alg != "ES256" {
		return StreamClaim{}, fmt.Errorf("UNSUPPORTED_JWT_ALG:%s", header.Alg)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_PAYLOAD")
	}
	claims, err := decodeClaims(payloadJSON)
	if err != nil {
		return StreamClaim{}, err
	}

	pubKeyPEM, ok := claims["pubKey"].(string)
	if !ok || strings.TrimSpace(pubKeyPEM) == "" {
		return StreamClaim{}, fmt.Errorf("BAD_PUB_KEY")
	}
	pubKey, err := parseECPublicKey(pubKeyPEM)
	if err != nil {
		return StreamClaim{}, fmt.Errorf("BAD_PUB_KEY")
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != es256SigLen {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_SIGNATURE")
	}
	digest := sha256.Sum256([]byte(headerB64 + "." + payloadB64))
	r := new(big.Int).SetBytes(sig[:es256SigLen/2])
	s := new(big.Int).SetBytes(sig[es256SigLen/2:])
	if !ecdsa.Verify(pubKey, digest[:], r, s) {
		return StreamClaim{}, fmt.Errorf("BAD_JWT_SIGNATURE")
	}

	if err := v.checkRegisteredClaims(claims); err != nil {
		return StreamClaim{}, err
	}

	claim := StreamClaim{PubKey: pubKeyPEM}
	if raw, present := claims["streamId"]; present {
		id, ok := raw.(string)
		if !ok {
			return StreamClaim{}, fmt.Errorf("BAD_STREAM_ID")
		}
		id = strings.TrimSpace(id)
		if !registry.ValidateID(id) {
			return StreamClaim{}, fmt.Errorf("BAD_STREAM_ID")
		}
		claim.StreamID = id
	}
	return claim, nil
}

func (v ClaimVerifier) checkRegisteredClaims(claims map[string]any) error {
	aud, ok := claims["aud"].(string)
	if !ok || aud != v.Audience {
		return fmt.Errorf("WRONG_AUDIENCE")
	}
	iss, ok := claims["iss"].(string)
	if !ok || iss != v.Issuer {
		return fmt.Errorf("WRONG_ISSUER")
	}

	now := v.now().Unix()
	expRaw, ok := claims["exp"]
	if !ok {
		return fmt.Errorf("MISSING_EXPIRY")
	}
	exp, err := claimUnix(expRaw)
	if err != nil {
		return fmt.Errorf("BAD_EXPIRY")
	}
	if now >= exp {
		return fmt.Errorf("CLAIM_EXPIRED")
	}
	if nbfRaw, present := claims["nbf"]; present {
		nbf, err := claimUnix(nbfRaw)
		if err != nil {
			return fmt.Errorf("BAD_NOT_BEFORE")
		}
		if now < nbf {
			return fmt.Errorf("CLAIM_NOT_YET_VALID")
		}
	}
	return nil
}

func decodeClaims(payloadJSON []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("BAD_JWT_PAYLOAD")
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("BAD_JWT_PAYLOAD")
	}
	return claims, nil
}

func claimUnix(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
	return n.Int64()
}

func parseECPublicKey(pemKey string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an EC key")
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve")
	}
	return key, nil
}

func splitClaimParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxClaimLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxClaimHeaderB64Len || len(payloadB64) > maxClaimPayloadB64Len || len(sigB64) != es256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}
