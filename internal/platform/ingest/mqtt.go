package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

// MQTTConfig configures the device feed.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
}

// MQTTSource subscribes to per-patient device topics. Paho delivers the
// messages of one subscription in order, so readings from one device keep
// their order.
type MQTTSource struct {
	cfg    MQTTConfig
	ingest vitals.IngestFunc
	logger zerolog.Logger
}

func NewMQTTSource(cfg MQTTConfig, ingest vitals.IngestFunc, logger zerolog.Logger) *MQTTSource {
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTTSource{
		cfg:    cfg,
		ingest: ingest,
		logger: logger.With().Str("component", "mqtt").Str("topic", cfg.Topic).Logger(),
	}
}

func (s *MQTTSource) options(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	// Subscriptions are lost with a clean session, so they are renewed on
	// every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handler(ctx))
		if token.Wait() && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Msg("subscribe failed")
			return
		}
		s.logger.Info().Msg("subscribed to device feed")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("connection to broker lost")
	})
	return opts
}

// Run connects and consumes until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context) error {
	client := mqtt.NewClient(s.options(ctx))
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	if client.IsConnectionOpen() {
		client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	}
	client.Disconnect(250)
	s.logger.Info().Msg("device feed stopped")
	return nil
}

func (s *MQTTSource) handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := deliver(ctx, s.ingest, s.logger, msg.Payload(), patientFromTopic(msg.Topic())); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("msg_topic", msg.Topic()).Msg("device reading not stored")
		}
	}
}
