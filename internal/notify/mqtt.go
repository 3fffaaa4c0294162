package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/alexanderramin/dayplan/internal/logger"
)

// MQTTConfig defines the broker connection for the MQTT sink.
type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
	// PublishTimeoutMS bounds the wait for a publish acknowledgement.
	PublishTimeoutMS int `json:"publish_timeout_ms"`
}

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTSink publishes each notification as JSON to
// "<topic_prefix>/<recipient_id>".
type MQTTSink struct {
	cli     pahoClient
	prefix  string
	qos     byte
	timeout time.Duration
	log     logger.Logger
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig, log logger.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	log = logger.OrNop(log)

	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, token.Error())
	}

	timeout := time.Duration(cfg.PublishTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "dayplan/notifications"
	}
	return &MQTTSink{cli: c, prefix: prefix, qos: cfg.QoS, timeout: timeout, log: log}, nil
}

func (s *MQTTSink) Topic(recipientID string) string {
	return s.prefix + "/" + recipientID
}

func (s *MQTTSink) Send(ctx context.Context, n Notification) error {
	if n.RecipientID == "" {
		return fmt.Errorf("notification %s has no recipient", n.Type)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	token := s.cli.Publish(s.Topic(n.RecipientID), s.qos, false, payload)
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.Topic(n.RecipientID), err)
	}
	s.log.Debugf("published %s to %s", n.Type, s.Topic(n.RecipientID))
	return nil
}

func (s *MQTTSink) Close() {
	if s.cli != nil && s.cli.IsConnected() {
		s.cli.Disconnect(250)
	}
}
