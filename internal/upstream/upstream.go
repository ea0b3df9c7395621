// Package upstream is the client for the external HMI runtime: JSON
// messages framed one-per-line over a Unix domain stream socket, the socket
// path taken from the configuration's <bind> element. Connection loss is
// recovered with exponential backoff; failure to ever connect after enough
// attempts is reported as a permanent apperr.UpstreamError.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
	"github.com/elektrokapsel/audioplayer/internal/apperr"
)

const (
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
	maxInitialAttempts = 10
)

// Handler receives tag and alarm updates decoded off the wire.
type Handler interface {
	HandleTagUpdate(name, value string)
	HandleAlarmUpdate(events []alarms.Event)
}

type envelope struct {
	Method string          `json:"method"`
	Cookie string          `json:"client_cookie,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type tagValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type subscribeTagParams struct {
	Tags []string `json:"tags"`
}

type subscribeAlarmParams struct{}

type writeTagParams struct {
	Tags []tagValue `json:"tags"`
}

type notifySubscribeTagParams struct {
	Tags []tagValue `json:"tags"`
}

type alarmRecord struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	StateText  string `json:"state_text"`
}

type notifySubscribeAlarmParams struct {
	Alarms []alarmRecord `json:"alarms"`
}

// Client connects to the upstream runtime and dispatches inbound messages to
// a Handler. It also implements tagcache.Sink so set_tag writes can be
// forwarded over the same connection.
type Client struct {
	addr    string
	tags    []string
	handler Handler
	logger  *slog.Logger

	cookie atomic.Uint64

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Client. tags is the full set of tag names to subscribe to
// on every (re)connect.
func New(addr string, tags []string, handler Handler, logger *slog.Logger) *Client {
	return &Client{addr: addr, tags: tags, handler: handler, logger: logger}
}

func (c *Client) nextCookie() string {
	return fmt.Sprintf("%d", c.cookie.Add(1))
}

// Run connects and serves until ctx is done, reconnecting with backoff on
// every connection loss. It returns nil on graceful shutdown (ctx done) and
// an apperr.UpstreamError if the very first connection attempt never
// succeeds within maxInitialAttempts.
func (c *Client) Run(ctx context.Context) error {
	everConnected := false
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := net.Dial("unix", c.addr)
		if err != nil {
			attempt++
			if !everConnected && attempt >= maxInitialAttempts {
				return apperr.NewUpstreamError("connect", err)
			}
			c.logger.Warn("upstream connect failed", "attempt", attempt, "error", err)
			if !c.sleepBackoff(ctx, attempt) {
				return nil
			}
			continue
		}

		everConnected = true
		attempt = 0
		c.logger.Info("upstream connected", "addr", c.addr)

		if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Warn("upstream connection lost", "error", err)
		}
		conn.Close()
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	shift := attempt
	if shift > 6 {
		shift = 6
	}
	d := backoffBase * time.Duration(uint64(1)<<uint(shift))
	if d > backoffCap {
		d = backoffCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	if err := c.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()

	dec := json.NewDecoder(conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) subscribe(conn net.Conn) error {
	enc := json.NewEncoder(conn)

	tagParams, err := json.Marshal(subscribeTagParams{Tags: c.tags})
	if err != nil {
		return err
	}
	if err := enc.Encode(envelope{Method: "SubscribeTag", Cookie: c.nextCookie(), Params: tagParams}); err != nil {
		return err
	}

	alarmParams, err := json.Marshal(subscribeAlarmParams{})
	if err != nil {
		return err
	}
	return enc.Encode(envelope{Method: "SubscribeAlarm", Cookie: c.nextCookie(), Params: alarmParams})
}

func (c *Client) dispatch(env envelope) {
	switch env.Method {
	case "NotifySubscribeTag":
		var p notifySubscribeTagParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.logger.Warn("malformed NotifySubscribeTag", "error", err)
			return
		}
		for _, t := range p.Tags {
			c.handler.HandleTagUpdate(t.Name, t.Value)
		}
	case "NotifySubscribeAlarm":
		var p notifySubscribeAlarmParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			c.logger.Warn("malformed NotifySubscribeAlarm", "error", err)
			return
		}
		events := make([]alarms.Event, 0, len(p.Alarms))
		for _, a := range p.Alarms {
			events = append(events, alarms.Event{
				ID: a.ID, InstanceID: a.InstanceID, Name: a.Name,
				State: a.State, StateText: a.StateText,
			})
		}
		c.handler.HandleAlarmUpdate(events)
	default:
		c.logger.Debug("unhandled upstream message", "method", env.Method)
	}
}

// WriteTag forwards a set_tag write to the currently connected upstream, if
// any. It implements tagcache.Sink. Writes while disconnected are dropped;
// the local cache already reflects the new value regardless.
func (c *Client) WriteTag(name, value string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	params, err := json.Marshal(writeTagParams{Tags: []tagValue{{Name: name, Value: value}}})
	if err != nil {
		return
	}
	msg := envelope{Method: "WriteTag", Cookie: c.nextCookie(), Params: params}
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		c.logger.Warn("write_tag failed", "tag", name, "error", err)
	}
}
