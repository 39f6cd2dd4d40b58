package rtc

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const channelLabel = "mesh"

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrClosed           = errors.New("connection closed")
)

// Connection is one PeerConnection with a single ordered data channel. It
// implements mesh.Link once the channel is open.
type Connection struct {
	t        *Transport
	id       string
	remote   domain.PeerID
	pc       *webrtc.PeerConnection
	outbound bool

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	descSent bool
	queued   []webrtc.ICECandidateInit
	onData   func([]byte)
	buffered [][]byte
	onClose  func(error)
	closed   bool
	closeErr error

	opened chan struct{}
	done   chan struct{}
}

func newConnection(t *Transport, id string, remote domain.PeerID, outbound bool) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		t:        t,
		id:       id,
		remote:   remote,
		pc:       pc,
		outbound: outbound,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.sendCandidate(cand.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("conn", c.id).Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			go c.closeWith(ErrConnectionFailed, false)
		case webrtc.PeerConnectionStateClosed:
			go c.closeWith(nil, false)
		}
	})
	return c, nil
}

// attach wires the data channel. onOpen runs once the channel is usable.
func (c *Connection) attach(dc *webrtc.DataChannel, onOpen func()) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", string(c.remote)).Bool("outbound", c.outbound).Msg("data channel open")
		close(c.opened)
		if onOpen != nil {
			onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		go c.closeWith(nil, false)
	})
}

func (c *Connection) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onData
	if fn == nil {
		c.buffered = append(c.buffered, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(data)
}

// sendDescription relays an offer or answer, then any candidates gathered
// while it was being produced, so the remote side never sees a candidate
// before the description it belongs to.
func (c *Connection) sendDescription(kind string, sdp string) error {
	if err := c.t.send(c.remote, Payload{Kind: kind, Conn: c.id, SDP: sdp}); err != nil {
		return err
	}
	c.mu.Lock()
	c.descSent = true
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, cand := range queued {
		c.sendCandidate(cand)
	}
	return nil
}

func (c *Connection) sendCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.descSent {
		c.queued = append(c.queued, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.t.send(c.remote, Payload{Kind: KindCandidate, Conn: c.id, Candidate: &cand}); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("conn", c.id).Msg("send candidate")
	}
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()
	if closed || dc == nil {
		return ErrClosed
	}
	// Text frames keep browser peers able to JSON.parse the payload.
	return dc.SendText(string(data))
}

func (c *Connection) OnData(fn func(data []byte)) {
	c.mu.Lock()
	c.onData = fn
	pending := c.buffered
	c.buffered = nil
	c.mu.Unlock()
	for _, d := range pending {
		fn(d)
	}
}

func (c *Connection) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

// Close tears the connection down and tells the remote side.
func (c *Connection) Close() error {
	c.closeWith(nil, true)
	return nil
}

func (c *Connection) closeWith(err error, local bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	fn := c.onClose
	c.mu.Unlock()

	close(c.done)
	c.t.forget(c.id)
	if local {
		if sendErr := c.t.send(c.remote, Payload{Kind: KindBye, Conn: c.id}); sendErr != nil {
			log.Debug().Err(sendErr).Str("module", "rtc").Str("conn", c.id).Msg("send bye")
		}
	}
	if closeErr := c.pc.Close(); closeErr != nil {
		log.Error().Err(closeErr).Str("module", "rtc").Str("conn", c.id).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("conn", c.id).Str("peer", string(c.remote)).Msg("closed")
	}
	if fn != nil {
		fn(err)
	}
}

func (c *Connection) addCandidate(raw *webrtc.ICECandidateInit) error {
	if raw == nil {
		return nil
	}
	return c.pc.AddICECandidate(*raw)
}

// Payload is the negotiation blob carried in signal envelopes.
type Payload struct {
	Kind      string                   `json:"kind"`
	Conn      string                   `json:"conn"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
	KindBye       = "bye"
)

func decodePayload(data json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	if p.Conn == "" {
		return p, errors.New("payload without conn id")
	}
	return p, nil
}
