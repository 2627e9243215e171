package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/monitoring"
	infralog "github.com/kilianp07/fleetlive/infra/logger"
)

// Publisher sends payloads with bounded retries. It backs the simulator.
type Publisher struct {
	cli        pahoClient
	qos        byte
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewPublisher connects a publishing client to the broker.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	id := cfg.ClientID
	if id != "" {
		id += "-publisher"
	} else {
		id = "fleetlive-sim-" + uuid.NewString()
	}
	opts.SetClientID(id)
	// a publisher has nothing to wait for when the broker is down
	opts.SetConnectRetry(false)

	log := infralog.New("mqtt_publisher")
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	p := &Publisher{
		cli:        c,
		qos:        cfg.QoS,
		logger:     log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.backoff <= 0 {
		p.backoff = 100 * time.Millisecond
	}
	return p, nil
}

// Publish sends payload to topic, retrying with exponential backoff.
func (p *Publisher) Publish(topic string, payload []byte) error {
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, p.qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Debugf("published %d bytes to %s", len(payload), topic)
			return nil
		}
		p.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt < p.maxRetries {
			time.Sleep(p.backoff * time.Duration(1<<attempt))
		}
	}
	err := fmt.Errorf("publish to %s: %w", topic, publishErr)
	monitoring.CaptureException(err, map[string]string{"module": "mqtt", "topic": topic})
	return err
}

// Close disconnects the client.
func (p *Publisher) Close() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
