package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const turnstileTimeout = 3 * time.Second

// TurnstileVerifier checks a viewer's proof-of-humanity token against
// Cloudflare Turnstile's siteverify endpoint. The verdict is trusted as
// is; this server never runs its own challenge.
type TurnstileVerifier struct {
	Secret string
	// Origin is this server's public hostname; a verdict minted for any
	// other hostname is rejected.
	Origin   string
	Endpoint string

	HTTPClient *http.Client
}

type turnstileVerdict struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	CData      string   `json:"cdata"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *TurnstileVerifier) client() *http.Client {
	if v.HTTPClient != nil {
		return v.HTTPClient
	}
	return &http.Client{Timeout: turnstileTimeout}
}

// Verify returns the opaque client identity (cdata) the verdict was
// bound to.
func (v *TurnstileVerifier) Verify(ctx context.Context, token string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"secret":   v.Secret,
		"response": token,
	})
	if err != nil {
		return "", fmt.Errorf("TURNSTYLE_REQUEST_FAILED:%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("TURNSTYLE_REQUEST_FAILED:%v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("TURNSTYLE_REQUEST_FAILED:%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("TURNSTYLE_REQUEST_FAILED:%d", resp.StatusCode)
	}

	var verdict turnstileVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return "", fmt.Errorf("TURNSTYLE_REQUEST_FAILED:%v", err)
	}

	if !verdict.Success {
		return "", fmt.Errorf("TURNSTYLE_INVALID_TOKEN:%v", verdict.ErrorCodes)
	}
	if verdict.Hostname != v.Origin {
		return "", fmt.Errorf("TURNSTYLE_INVALID_HOSTNAME:%s", verdict.Hostname)
	}
	if verdict.CData == "" {
		return "", fmt.Errorf("TURNSTYLE_INVALID_CLIENT_ID:%s", verdict.CData)
	}
	return verdict.CData, nil
}
