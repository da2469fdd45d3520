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

	"github.com/julia-sam/pronunciation-app/internal/config"
	"github.com/julia-sam/pronunciation-app/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection used to push track status events to UIs.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("pron-runtime"),
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

	return &Client{conn: conn, log: log}, nil
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

// PublishTrackEvent pushes a pipeline transition onto the track's subject.
func (c *Client) PublishTrackEvent(evt protocol.TrackEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal track event: %w", err)
	}
	return c.conn.Publish(protocol.SubjectForTrack(evt.Track), data)
}
