package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"murmursync/pkg/logger"
	"murmursync/pkg/models"
)

// Feed is one live change-feed connection. Events closes when the
// connection drops; the manager owns reconnect policy.
type Feed interface {
	Events() <-chan models.Event
	// Ping sends a liveness frame.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a feed scoped to a conversation set. Dial returns only
// after the server acknowledged the subscription (or the context
// expired), so a successful Dial is the ack_received transition.
type Dialer interface {
	Dial(ctx context.Context, convs []string, token string) (Feed, error)
}

// Rebuilder is implemented by dialers that can discard and recreate
// their underlying connection machinery after repeated failures.
type Rebuilder interface {
	Rebuild()
}

// subscribeFrame is the first client frame on a fresh connection: one
// logical feed filtered to the whole conversation set.
type subscribeFrame struct {
	Type          string   `json:"type"`
	Conversations []string `json:"conversations"`
}

type ackFrame struct {
	Type string `json:"type"`
}

// WSDialer dials the websocket change feed.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration

	ws *websocket.Dialer
}

func NewWSDialer(url string, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	d := &WSDialer{URL: url, HandshakeTimeout: handshakeTimeout}
	d.Rebuild()
	return d
}

// Rebuild discards the underlying websocket dialer. Called by the
// manager as the hard-rebuild step after the backoff list is exhausted.
func (d *WSDialer) Rebuild() {
	d.ws = &websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
}

func (d *WSDialer) Dial(ctx context.Context, convs []string, token string) (Feed, error) {
	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := d.ws.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("feed dial: %w", err)
	}
	if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Conversations: convs}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}
	// wait for the ack under the connect watchdog deadline
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var ack ackFrame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed ack: %w", err)
	}
	if ack.Type != "ack" {
		conn.Close()
		return nil, fmt.Errorf("feed ack: unexpected frame %q", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	f := &wsFeed{
		conn:   conn,
		events: make(chan models.Event, 64),
	}
	go f.readLoop()
	return f, nil
}

type wsFeed struct {
	conn   *websocket.Conn
	events chan models.Event
}

func (f *wsFeed) Events() <-chan models.Event { return f.events }

func (f *wsFeed) readLoop() {
	defer close(f.events)
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			logger.Debug("feed_read_closed", "error", err)
			return
		}
		var ev models.Event
		if uerr := json.Unmarshal(data, &ev); uerr != nil {
			logger.Warn("feed_frame_malformed", "error", uerr)
			continue
		}
		f.events <- ev
	}
}

func (f *wsFeed) Ping(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return f.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (f *wsFeed) Close() error {
	return f.conn.Close()
}
