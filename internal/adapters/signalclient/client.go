package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("signaling client closed")

// Events receives presence events in the order the coordinator sent them.
type Events interface {
	OnSnapshot(peers []domain.PeerID)
	OnPeerJoined(peer domain.PeerID)
	OnPeerLeft(peer domain.PeerID)
	OnSignalError(code string)
	OnSignalingLost(err error)
}

// Handler routes incoming messages. Signal carries relayed transport
// negotiation.
type Handler struct {
	Events Events
	Signal func(from domain.PeerID, data json.RawMessage)
}

// Client manages the WebSocket connection to the coordinator.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	outgoing  chan core.Envelope
	done      chan struct{}
	closeOnce sync.Once

	// dead is closed once either pump has stopped.
	dead     chan struct{}
	deadOnce sync.Once
	handler  Handler
}

func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		outgoing:  make(chan core.Envelope, 32),
		done:      make(chan struct{}),
		dead:      make(chan struct{}),
	}
}

func (c *Client) markDead() {
	c.deadOnce.Do(func() {
		close(c.dead)
	})
}

// Connect dials the coordinator and starts routing messages to h.
func (c *Client) Connect(ctx context.Context, h Handler) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.handler = h

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info().Str("module", "signalclient").Str("url", u.String()).Msg("connected")
	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) readPump() {
	var err error
	defer func() {
		c.markDead()
		_ = c.conn.Close()
		if c.handler.Events != nil {
			c.handler.Events.OnSignalingLost(err)
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var env core.Envelope
		if err = c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				err = ErrClosed
			default:
				log.Warn().Err(err).Str("module", "signalclient").Msg("read failed")
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env core.Envelope) {
	ev := c.handler.Events
	switch env.Type {
	case core.TypeSnapshot:
		if ev != nil {
			ev.OnSnapshot(env.Peers)
		}
	case core.TypePeerJoined:
		if ev != nil {
			ev.OnPeerJoined(env.Peer)
		}
	case core.TypePeerLeft:
		if ev != nil {
			ev.OnPeerLeft(env.Peer)
		}
	case core.TypeSignal:
		if c.handler.Signal != nil {
			c.handler.Signal(env.From, env.Data)
		}
	case core.TypeError:
		log.Warn().Str("module", "signalclient").Str("code", env.Error).Msg("coordinator error")
		if ev != nil {
			ev.OnSignalError(env.Error)
		}
	default:
		log.Debug().Str("module", "signalclient").Str("type", env.Type).Msg("ignored message")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		c.markDead()
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				log.Warn().Err(err).Str("module", "signalclient").Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.dead:
			return
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final leave is not
// lost.
func (c *Client) flush() {
	for {
		select {
		case env := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// send queues env for the write pump. It fails with ErrClosed after Close
// or once the connection is gone.
func (c *Client) send(env core.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.dead:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.dead:
		return ErrClosed
	}
}

func (c *Client) SendJoin(room domain.RoomName, peer domain.PeerID) error {
	return c.send(core.Envelope{Type: core.TypeJoin, Room: room, Peer: peer})
}

func (c *Client) SendLeave() error {
	return c.send(core.Envelope{Type: core.TypeLeave})
}

// SendSignal relays data to every room mate announcing identity to.
func (c *Client) SendSignal(to domain.PeerID, data json.RawMessage) error {
	return c.send(core.Envelope{Type: core.TypeSignal, To: to, Data: data})
}

// Close sends a close frame and stops both pumps. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
