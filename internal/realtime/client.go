package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/metrics"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	maxMessageSize = 64 * 1024
)

var active atomic.Int64

// Active returns the number of connected stream clients.
func Active() int64 {
	return active.Load()
}

// Client is one WebSocket connection following one execution.
type Client struct {
	ID          string
	ExecutionID string

	conn    *websocket.Conn
	lastSeq atomic.Int64
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewClient creates a client for an accepted connection.
func NewClient(conn *websocket.Conn, executionID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		conn:        conn,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled when the client disconnects.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Run forwards evs to the client until the channel closes or the client
// goes away. When the channel closes an end message is sent with the status
// returned by final.
func (c *Client) Run(after int64, evs <-chan events.Event, final func() string) {
	n := active.Add(1)
	metrics.SetStreamConnections(int(n))
	defer func() {
		metrics.SetStreamConnections(int(active.Add(-1)))
	}()

	c.lastSeq.Store(after)
	_ = c.send(MessageTypeConnected, "", &ConnectedPayload{
		ClientID:    c.ID,
		ExecutionID: c.ExecutionID,
		After:       after,
	})

	go c.readPump()
	go c.pingPump()

	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				status := ""
				if final != nil {
					status = final()
				}
				_ = c.send(MessageTypeEnd, "", &EndPayload{
					ExecutionID:  c.ExecutionID,
					Status:       status,
					LastSequence: c.lastSeq.Load(),
				})
				c.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := c.send(MessageTypeEvent, "", &EventPayload{Event: ev}); err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket write error")
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
			c.lastSeq.Store(ev.Sequence)
		case <-c.done:
			return
		}
	}
}

// Close terminates the connection.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close(code, reason)
	})
}

// SendError sends an error message to the client.
func (c *Client) SendError(msgID string, code ErrorCode, message string) error {
	return c.send(MessageTypeError, msgID, &ErrorPayload{Code: code, Message: message})
}

func (c *Client) send(typ MessageType, id string, payload any) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	msg := Message{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readPump() {
	defer c.Close(websocket.StatusNormalClosure, "closing")

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.SendError("", ErrorCodeInvalidMessage, "Invalid JSON message")
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			_ = c.send(MessageTypePong, msg.ID, &PongPayload{LastSequence: c.lastSeq.Load()})
		default:
			_ = c.SendError(msg.ID, ErrorCodeInvalidMessage, "Unknown message type")
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("Ping failed")
				c.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
