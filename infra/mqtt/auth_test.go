package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/fleetlive/auth"
)

type staticToken struct {
	tok string
	err error
}

func (s staticToken) GetToken() (string, error) { return s.tok, s.err }

func TestOAuthCredentials(t *testing.T) {
	cfg := Config{AuthMethod: "oauth2", OAuth: auth.Conf{ClientID: "fleet-ingest"}}
	user, pass := oauthCredentials(cfg, staticToken{tok: "jwt"})()
	assert.Equal(t, "fleet-ingest", user)
	assert.Equal(t, "jwt", pass)

	cfg.Username = "svc"
	user, pass = oauthCredentials(cfg, staticToken{err: errors.New("idp down")})()
	assert.Equal(t, "svc", user)
	assert.Empty(t, pass)
}

func TestValidateOAuthConfig(t *testing.T) {
	cfg := Config{AuthMethod: "oauth2"}
	cfg.SetDefaults()
	assert.ErrorContains(t, cfg.Validate(), "mqtt.oauth")

	cfg.OAuth = auth.Conf{ClientID: "id", ClientSecret: "s", TokenURL: "http://idp/token"}
	assert.NoError(t, cfg.Validate())

	opts, err := NewClientOptions(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, opts.CredentialsProvider)
}
