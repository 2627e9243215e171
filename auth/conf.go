package auth

import (
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
)

// Conf holds OAuth2 client-credentials settings.
type Conf struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// Validate checks every required field is present.
func (c Conf) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("oauth client_id and client_secret are required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth token_url is required")
	}
	return nil
}

func (c Conf) toOauth2Config() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}
