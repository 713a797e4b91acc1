package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const ephemeralInactivity = 5 * time.Minute

// ErrNATSDisconnected is returned by Healthy while the connection is down
var ErrNATSDisconnected = errors.New("NATS connection is not established")

// MessagePublisher sends raw payloads to a subject
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// MessageSubscriber delivers raw payloads from a subject to this process.
// A handler error asks for redelivery.
type MessageSubscriber interface {
	Subscribe(subject string, handler func([]byte) error) error
}

type subscription struct {
	sub *nats.Subscription
	// bound subscriptions attach to a consumer this client did not create
	bound bool
}

// NATSClient wraps a JetStream connection
type NATSClient struct {
	servers              string
	name                 string
	nc                   *nats.Conn
	js                   nats.JetStreamContext
	subscriptions        map[string]subscription
	mu                   sync.RWMutex
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// NewNATSClient creates a new NATS client. name identifies this process to
// the server.
func NewNATSClient(servers, name string) *NATSClient {
	return &NATSClient{
		servers:              servers,
		name:                 name,
		subscriptions:        make(map[string]subscription),
		reconnectDelay:       2 * time.Second,
		maxReconnectAttempts: 10,
	}
}

// Connect establishes a connection to the NATS server with JetStream
func (c *NATSClient) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnectAttempts),
		nats.ReconnectWait(c.reconnectDelay),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Error("NATS disconnected with error")
			} else {
				log.Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := log.Fields{"error": err}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			log.WithFields(fields).Error("NATS async error")
		}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(c.servers, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.js = js
	c.mu.Unlock()

	log.WithField("servers", c.servers).Info("Connected to NATS with JetStream")
	return nil
}

// consumerName derives a durable consumer name from a prefix and subject
func consumerName(prefix, subject string) string {
	sanitized := strings.ReplaceAll(subject, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "*", "wildcard")
	sanitized = strings.ReplaceAll(sanitized, ">", "all")
	return fmt.Sprintf("%s-%s", prefix, sanitized)
}

// wrap acks successful deliveries and naks failed ones for redelivery
func wrap(subject string, handler func([]byte) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.WithFields(log.Fields{
				"subject": subject,
				"error":   err,
			}).Error("Failed to process message")

			if nakErr := msg.Nak(); nakErr != nil {
				log.WithError(nakErr).Error("Failed to NAK message")
			}
			return
		}

		if ackErr := msg.Ack(); ackErr != nil {
			log.WithError(ackErr).Error("Failed to ACK message")
		}
	}
}

// Subscribe registers an ephemeral consumer that starts at new messages.
// The server removes it once this process has been gone for
// ephemeralInactivity.
func (c *NATSClient) Subscribe(subject string, handler func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.js == nil {
		return fmt.Errorf("not connected to NATS JetStream")
	}

	sub, err := c.js.Subscribe(
		subject,
		wrap(subject, handler),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
		nats.InactiveThreshold(ephemeralInactivity),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.subscriptions[subject] = subscription{sub: sub}
	log.WithField("subject", subject).Info("Subscribed to NATS subject")
	return nil
}

// EnsureQueueConsumer creates the durable push consumer shared by every
// member of group and returns its name. The consumer outlives any single
// member.
func (c *NATSClient) EnsureQueueConsumer(stream, subject, group string) (string, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return "", fmt.Errorf("not connected to NATS JetStream")
	}

	durable := consumerName(group, subject)
	if _, err := js.ConsumerInfo(stream, durable); err == nil {
		return durable, nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return "", fmt.Errorf("failed to look up consumer %s: %w", durable, err)
	}

	_, err := js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: "_deliver." + durable,
		DeliverGroup:   group,
		FilterSubject:  subject,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
	})
	if err != nil {
		// Another member may have created it first
		if _, infoErr := js.ConsumerInfo(stream, durable); infoErr == nil {
			return durable, nil
		}
		return "", fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	log.WithFields(log.Fields{
		"stream":   stream,
		"consumer": durable,
		"group":    group,
	}).Info("Created JetStream queue consumer")
	return durable, nil
}

// QueueSubscribe joins group on the existing durable consumer. Each message
// goes to one member of the group.
func (c *NATSClient) QueueSubscribe(stream, durable, subject, group string, handler func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.js == nil {
		return fmt.Errorf("not connected to NATS JetStream")
	}

	sub, err := c.js.QueueSubscribe(
		subject,
		group,
		wrap(subject, handler),
		nats.Bind(stream, durable),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	c.subscriptions[subject] = subscription{sub: sub, bound: true}
	log.WithFields(log.Fields{
		"subject":  subject,
		"group":    group,
		"consumer": durable,
	}).Info("Queue subscribed to NATS subject")
	return nil
}

// Close drains the connection. Bound subscriptions are left to the drain so
// the shared consumer stays on the server for the other group members.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, s := range c.subscriptions {
		if s.bound {
			continue
		}
		if err := s.sub.Unsubscribe(); err != nil {
			log.WithFields(log.Fields{
				"subject": subject,
				"error":   err,
			}).Error("Failed to unsubscribe")
		}
	}
	c.subscriptions = make(map[string]subscription)

	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
		log.Info("NATS connection closed")
	}

	return nil
}

// IsConnected returns true if the client is connected to NATS
func (c *NATSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Healthy reports an error while the connection is down
func (c *NATSClient) Healthy(context.Context) error {
	if !c.IsConnected() {
		return ErrNATSDisconnected
	}
	return nil
}

// EnsureStream creates the stream if it does not exist yet
func (c *NATSClient) EnsureStream(streamName string, subjects []string, description string) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return fmt.Errorf("not connected to NATS JetStream")
	}

	if _, err := js.StreamInfo(streamName); err == nil {
		log.WithField("stream", streamName).Info("JetStream stream already exists")
		return nil
	}

	cfg := &nats.StreamConfig{
		Name:        streamName,
		Subjects:    subjects,
		Retention:   nats.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Description: description,
	}

	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", streamName, err)
	}

	log.WithFields(log.Fields{
		"stream":   streamName,
		"subjects": subjects,
	}).Info("Created JetStream stream")
	return nil
}

// Publish publishes a message to the specified subject using JetStream
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return fmt.Errorf("not connected to NATS JetStream")
	}

	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to subject %s: %w", subject, err)
	}

	log.WithFields(log.Fields{
		"subject": subject,
		"size":    len(data),
	}).Debug("Published message to NATS")
	return nil
}
