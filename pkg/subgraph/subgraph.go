// Package subgraph is a thin GraphQL client for the indexer's subgraph
// health probe (§4.2 scheduled task a).
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Status is the decoded result of a _meta probe.
type Status struct {
	BlockNumber       int64
	HasIndexingErrors bool
}

// Prober probes a subgraph endpoint's indexing status.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

const metaQuery = `{"query":"{ _meta { hasIndexingErrors block { number } } }"}`

// HTTPProber posts the standard `_meta` introspection query to a
// subgraph endpoint.
type HTTPProber struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProber builds an HTTPProber targeting endpoint.
func NewHTTPProber(endpoint string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{endpoint: endpoint, client: client}
}

type metaResponse struct {
	Data struct {
		Meta struct {
			HasIndexingErrors bool `json:"hasIndexingErrors"`
			Block             struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	} `json:"data"`
}

// Probe queries the subgraph's _meta field (§4.2 scheduled task a).
func (p *HTTPProber) Probe(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBufferString(metaQuery))
	if err != nil {
		return Status{}, fmt.Errorf("building subgraph probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("probing subgraph: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("subgraph returned status %d", resp.StatusCode)
	}
	var out metaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, fmt.Errorf("decoding subgraph probe response: %w", err)
	}
	return Status{
		BlockNumber:       out.Data.Meta.Block.Number,
		HasIndexingErrors: out.Data.Meta.HasIndexingErrors,
	}, nil
}
