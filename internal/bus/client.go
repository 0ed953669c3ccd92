// Package bus publishes submission events over NATS.
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

	"github.com/nats-io/nats.go"

	"github.com/jesuslovei/memory-check-drive/internal/config"
	"github.com/jesuslovei/memory-check-drive/internal/protocol"
)

// Client wraps a NATS connection and, when a stream is configured, a JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("memcheck"),
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

	c := &Client{conn: conn, stream: cfg.Stream, log: log.With(slog.String("component", "bus"))}
	if cfg.Stream != "" {
		if err := c.ensureStream(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c.log.Info("connected to NATS", slog.String("servers", url), slog.String("stream", cfg.Stream))
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	js, err := c.conn.JetStream(nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	subjects := []string{protocol.SubjectSubmissionPrefix + ".>"}
	if _, err := js.StreamInfo(c.stream, nats.Context(ctx)); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("lookup stream %s: %w", c.stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     c.stream,
			Subjects: subjects,
			Storage:  nats.FileStorage,
		}, nats.Context(ctx)); err != nil {
			return fmt.Errorf("create stream %s: %w", c.stream, err)
		}
	}
	c.js = js
	return nil
}

// PublishSubmission sends evt on the recorded subject, through JetStream when a stream is configured.
func (c *Client) PublishSubmission(ctx context.Context, evt protocol.SubmissionRecorded) error {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if c.js != nil {
		_, err = c.js.Publish(protocol.SubjectSubmissionRecorded, payload, nats.Context(ctx), nats.MsgId(evt.SubmissionID))
		return err
	}
	return c.conn.Publish(protocol.SubjectSubmissionRecorded, payload)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
