package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/remote"
)

// Client publishes to and subscribes from a relay. It implements
// remote.Subscriber and remote.Publisher.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logrus.FieldLogger

	// ReconnectDelay is the first wait after a dropped connection; it
	// doubles up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

var (
	_ remote.Subscriber = (*Client)(nil)
	_ remote.Publisher  = (*Client)(nil)
)

// NewClient returns a client for the relay at rawURL (http or https).
func NewClient(rawURL string, logger logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", u.Scheme)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		base:              u,
		http:              &http.Client{Timeout: 10 * time.Second},
		logger:            logger.WithField("component", "changefeed"),
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
	}, nil
}

func (c *Client) endpoint(path string, ws bool) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if ws {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	return u.String()
}

// Publish posts ev to the relay.
func (c *Client) Publish(ctx context.Context, ev remote.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/publish", false), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &remote.Error{Op: "publish", Transient: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &remote.Error{
			Op:        "publish",
			Transient: resp.StatusCode >= 500,
			Err:       fmt.Errorf("relay answered %s: %s", resp.Status, strings.TrimSpace(string(msg))),
		}
	}
	return nil
}

// SubscribeChanges connects to the relay and delivers events to onChange
// from a background goroutine until the returned function is called. A
// dropped connection is redialed with backoff; after reconnecting, onChange
// receives one task event so subscribers re-read what they may have missed.
func (c *Client) SubscribeChanges(ctx context.Context, onChange func(remote.ChangeEvent)) (func(), error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(subCtx, conn, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.endpoint("/ws", true), nil)
	if err != nil {
		return nil, &remote.Error{Op: "subscribe", Transient: true, Err: err}
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, onChange func(remote.ChangeEvent)) {
	for {
		err := c.readLoop(ctx, conn, onChange)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).Warn("relay connection lost")

		if conn = c.redial(ctx); conn == nil {
			return
		}
		c.logger.Info("relay connection restored")
		onChange(remote.ChangeEvent{Table: remote.TableTasks, At: time.Now()})
	}
}

// redial retries until it connects or ctx is done.
func (c *Client) redial(ctx context.Context) *websocket.Conn {
	delay := c.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn
		}
		c.logger.WithError(err).WithField("retry_in", delay.String()).Debug("relay redial failed")
		delay = min(delay*2, c.MaxReconnectDelay)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, onChange func(remote.ChangeEvent)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Warn("ignoring malformed relay message")
			continue
		}
		if msg.Type == MessageTypeChange && msg.Change != nil {
			onChange(*msg.Change)
		}
	}
}
