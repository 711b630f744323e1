package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// connectorHeader carries the server-held identity to the connector service.
const connectorHeader = "X_REPLIT_TOKEN"

// connectionResponse is the subset of the connector's connection listing we read.
type connectionResponse struct {
	Items []struct {
		Settings struct {
			AccessToken string `json:"access_token"`
			OAuth       struct {
				Credentials struct {
					AccessToken string `json:"access_token"`
				} `json:"credentials"`
			} `json:"oauth"`
		} `json:"settings"`
	} `json:"items"`
}

// connectorTokenSource asks the connector service for the current access
// token of a named connection. It implements oauth2.TokenSource.
type connectorTokenSource struct {
	ctx      context.Context
	client   *http.Client
	endpoint string
	identity string
}

var _ oauth2.TokenSource = (*connectorTokenSource)(nil)

// connectionURL builds the connection listing URL. host may carry a scheme;
// without one https is assumed.
func connectionURL(host, name string) string {
	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	q := url.Values{}
	q.Set("include_secrets", "true")
	q.Set("connector_names", name)
	return strings.TrimSuffix(base, "/") + "/api/v2/connection?" + q.Encode()
}

// Token fetches the connection and returns its access token.
func (s *connectorTokenSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(connectorHeader, s.identity)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch connection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("failed to fetch connection: status %d", resp.StatusCode)
	}

	var conn connectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&conn); err != nil {
		return nil, fmt.Errorf("failed to decode connection: %w", err)
	}
	if len(conn.Items) == 0 {
		return nil, ErrNoToken
	}

	settings := conn.Items[0].Settings
	token := settings.AccessToken
	if token == "" {
		token = settings.OAuth.Credentials.AccessToken
	}
	if token == "" {
		return nil, ErrNoToken
	}

	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
