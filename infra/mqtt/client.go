package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/fleetlive/auth"
	"github.com/kilianp07/fleetlive/core/ingest"
	"github.com/kilianp07/fleetlive/core/logger"
	coremetrics "github.com/kilianp07/fleetlive/core/metrics"
	coremqtt "github.com/kilianp07/fleetlive/core/mqtt"
	infralog "github.com/kilianp07/fleetlive/infra/logger"
)

const (
	DefaultBroker               = "tcp://localhost:1883"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultConnectRetryInterval = 2 * time.Second
	DefaultMaxReconnectInterval = time.Minute
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Topic      string `json:"topic"`
	QoS        byte   `json:"qos"`
	UseTLS     bool   `json:"use_tls"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	CABundle   string `json:"ca_bundle"`
	// AuthMethod is username_password, certificate, both or oauth2. With
	// oauth2 an access token from OAuth is sent as the password.
	AuthMethod string    `json:"auth_method"`
	OAuth      auth.Conf `json:"oauth"`
	// CleanSession false keeps the broker-side session across reconnects.
	CleanSession         bool          `json:"clean_session"`
	ConnectTimeout       time.Duration `json:"connect_timeout"`
	ConnectRetryInterval time.Duration `json:"connect_retry"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval"`
	// Publisher settings, used by the simulator.
	MaxRetries int         `json:"max_retries"`
	BackoffMS  int         `json:"backoff_ms"`
	TLSConfig  *tls.Config `json:"-"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.Topic == "" {
		c.Topic = ingest.DefaultTopic
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetryInterval == 0 {
		c.ConnectRetryInterval = DefaultConnectRetryInterval
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("mqtt.topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	switch c.AuthMethod {
	case "", "username_password", "certificate", "both":
	case "oauth2":
		if err := c.OAuth.Validate(); err != nil {
			return fmt.Errorf("mqtt.%w", err)
		}
	default:
		return fmt.Errorf("mqtt.auth_method %q not supported", c.AuthMethod)
	}
	if c.MaxReconnectInterval < c.ConnectRetryInterval {
		return fmt.Errorf("mqtt.max_reconnect_interval must be >= connect_retry")
	}
	return nil
}

// pahoClient is the subset of paho.Client used here.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Subscriber feeds telemetry messages from the broker to a handler.
type Subscriber struct {
	cli     pahoClient
	topic   string
	qos     byte
	handler coremqtt.Handler
	rec     coremetrics.Recorder
	logger  logger.Logger
}

// NewSubscriber connects to the broker. The subscription is (re)issued from
// the OnConnect callback so that it survives reconnects. When the broker is
// not reachable within ConnectTimeout the client keeps retrying in the
// background and NewSubscriber returns without error.
func NewSubscriber(cfg Config, handler coremqtt.Handler, rec coremetrics.Recorder) (*Subscriber, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = coremetrics.NopRecorder{}
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	id := cfg.ClientID
	if id == "" {
		id = "fleetlive-" + uuid.NewString()
	}
	opts.SetClientID(id)

	log := infralog.New("mqtt_subscriber")
	s := &Subscriber{topic: cfg.Topic, qos: cfg.QoS, handler: handler, rec: rec, logger: log}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected, subscribing to %s", s.topic)
		if token := c.Subscribe(s.topic, s.qos, s.onMessage); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		s.rec.TransportDisconnected()
		log.Errorf("%v: %v", coremqtt.ErrTransportDisconnected, err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		log.Warnf("broker %s not reachable after %s, retrying in background", cfg.Broker, cfg.ConnectTimeout)
	} else if token.Error() != nil {
		return nil, token.Error()
	}
	s.cli = c
	return s, nil
}

// Paho delivers messages of one subscription in order on a single goroutine,
// which keeps per-vehicle arrival order intact for the live store.
func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.handler(msg.Topic(), msg.Payload())
}

// Stop unsubscribes and disconnects. No message is delivered afterwards.
func (s *Subscriber) Stop() {
	if s.cli == nil {
		return
	}
	if s.cli.IsConnected() {
		if token := s.cli.Unsubscribe(s.topic); token.WaitTimeout(time.Second) && token.Error() != nil {
			s.logger.Warnf("unsubscribe: %v", token.Error())
		}
	}
	s.cli.Disconnect(250)
	s.logger.Infof("MQTT subscriber stopped")
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(cfg.CleanSession)
	if cfg.ConnectRetryInterval > 0 {
		opts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	}
	if cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.AuthMethod == "oauth2" {
		opts.SetCredentialsProvider(oauthCredentials(cfg, auth.NewClientCred(cfg.OAuth)))
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

type tokenSource interface {
	GetToken() (string, error)
}

// oauthCredentials fetches a token on every (re)connect. The username
// defaults to the OAuth client id.
func oauthCredentials(cfg Config, src tokenSource) paho.CredentialsProvider {
	user := cfg.Username
	if user == "" {
		user = cfg.OAuth.ClientID
	}
	log := infralog.New("mqtt_auth")
	return func() (string, string) {
		tok, err := src.GetToken()
		if err != nil {
			log.Errorf("oauth token: %v", err)
			return user, ""
		}
		return user, tok
	}
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires ca_bundle")
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates in %s", c.CABundle)
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if c.AuthMethod == "certificate" || c.AuthMethod == "both" || c.ClientCert != "" {
		if c.ClientCert == "" || c.ClientKey == "" {
			return nil, fmt.Errorf("tls client auth requires client_cert and client_key")
		}
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
