// Package sanctions is a thin client for the external wallet
// sanction-screening API (§1 scope exclusion: screening *decision logic*
// is out of scope, calling the API is not).
package sanctions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// Screener reports whether a wallet address is sanctioned.
type Screener interface {
	IsSanctioned(ctx context.Context, address string) (bool, error)
}

// Config configures the OAuth2 client-credentials transport used to
// authenticate against the sanctions API.
type Config struct {
	Endpoint     string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// HTTPScreener calls the sanctions API over an oauth2 client-credentials
// transport.
type HTTPScreener struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScreener builds an HTTPScreener using cfg's client-credentials
// grant for authentication.
func NewHTTPScreener(ctx context.Context, cfg Config) *HTTPScreener {
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return &HTTPScreener{
		endpoint: cfg.Endpoint,
		client:   ccCfg.Client(ctx),
	}
}

type screenResponse struct {
	Sanctioned bool `json:"sanctioned"`
}

// IsSanctioned calls the sanctions API for address (§4.2 "wallet
// screening", §4.2 "data-set-created" handler's inline screen).
func (h *HTTPScreener) IsSanctioned(ctx context.Context, address string) (bool, error) {
	url := fmt.Sprintf("%s?address=%s", h.endpoint, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("building sanctions request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling sanctions API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sanctions API returned status %d", resp.StatusCode)
	}
	var out screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding sanctions response: %w", err)
	}
	return out.Sanctioned, nil
}
