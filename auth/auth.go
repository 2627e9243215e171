// Package auth fetches OAuth2 access tokens with the client-credentials
// grant. Brokers that accept a JWT as the MQTT password use it as a
// credentials provider.
package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// ClientCred caches one access token and refreshes it once expired.
type ClientCred struct {
	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewClientCred builds a token source from conf. No request is made until
// the first GetToken.
func NewClientCred(conf Conf) *ClientCred {
	c := conf.toOauth2Config()
	return &ClientCred{src: oauth2.ReuseTokenSource(nil, c.TokenSource(context.Background()))}
}

// GetToken returns a valid access token, fetching a new one when the cached
// token has expired.
func (c *ClientCred) GetToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return tok.AccessToken, nil
}
