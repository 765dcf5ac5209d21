// Package bus publishes pipeline events over NATS so other local services can
// observe transcripts, delivery outcomes, and connectivity changes. Publishing
// is fire-and-forget: the delivery queue, not the bus, is the durable record.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with typed publish helpers.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("murmur-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishTranscript announces a finalized transcript on the bus.
func (c *Client) PublishTranscript(t protocol.Transcript) {
	c.publish(protocol.SubjectTranscriptCreated, t)
}

// PublishDelivery announces a delivery attempt outcome.
func (c *Client) PublishDelivery(ev protocol.DeliveryEvent) {
	c.publish(protocol.SubjectDeliverySent, ev)
}

// PublishConnectivity announces an online/offline transition.
func (c *Client) PublishConnectivity(ev protocol.ConnectivityEvent) {
	c.publish(protocol.SubjectConnectivityChanged, ev)
}

func (c *Client) publish(subject string, payload any) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("encode bus event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("publish bus event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
