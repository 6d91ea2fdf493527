package cloudsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds; used when the token is opaque
}

// token bundles a bearer token with the instant it expires.
type token struct {
	value     string
	expiresAt time.Time
}

// fetchToken exchanges the configured UAID/secret for a bearer token.
func fetchToken(ctx context.Context, client *http.Client, endpoint, uaid, secret string, now time.Time) (token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {uaid},
		"client_secret": {secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return token{}, fmt.Errorf("token request: status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return token{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return token{}, fmt.Errorf("token response missing access_token")
	}

	expiresAt := expiryFromClaims(body.AccessToken, now)
	if expiresAt.IsZero() {
		if body.ExpiresIn <= 0 {
			return token{}, fmt.Errorf("token response missing expires_in and token is not a parseable JWT")
		}
		expiresAt = now.Add(time.Duration(body.ExpiresIn) * time.Second)
	}

	return token{value: body.AccessToken, expiresAt: expiresAt}, nil
}

// expiryFromClaims decodes the bearer token as a JWT and returns its exp
// claim, without verifying the signature — Data Sleigh trusts the issuing
// endpoint over TLS and only needs exp to schedule its own refresh, not to
// authenticate the token to itself.
func expiryFromClaims(raw string, now time.Time) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.RegisteredClaims{}
	_, _, err := parser.ParseUnverified(raw, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// refreshDelay is the teacher auth package's expires_in*0.9 idiom: refresh
// comfortably before expiry rather than racing it.
func refreshDelay(t token, now time.Time) time.Duration {
	remaining := t.expiresAt.Sub(now)
	delay := time.Duration(float64(remaining) * 0.9)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}
