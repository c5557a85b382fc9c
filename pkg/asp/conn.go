package asp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Packet is one unit read from the transport: either a control message or an
// audio frame, never both.
type Packet struct {
	Msg   Message
	Frame *Frame
}

// Conn is one ASP transport connection over a WebSocket. Text messages carry
// control JSON, binary messages carry audio frames. Reads must come from a
// single goroutine; writes may come from several and are serialised so that
// barge-in control can overtake a paused audio producer without interleaving
// partial messages.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	nextSeq   uint64 // next control seq to stamp, guarded by writeMu
	sessionID string // stamped into outgoing envelopes when set, guarded by writeMu

	readMu      sync.Mutex
	lastRecvSeq uint64 // highest control seq observed, guarded by readMu

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to an ASP server, e.g. "ws://localhost:8765/asp".
func Dial(ctx context.Context, serverURL string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("asp: dial %s: %w", serverURL, err)
	}
	return newConn(ws), nil
}

// Accept upgrades an incoming HTTP request to an ASP connection. Intended
// for use inside the server's session handler.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("asp: accept: %w", err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, nextSeq: 1}
}

// BindSession sets the session id stamped into every subsequent outgoing
// control message. The client binds after generating the id for
// session.start; the server binds after accepting one.
func (c *Conn) BindSession(id string) {
	c.writeMu.Lock()
	c.sessionID = id
	c.writeMu.Unlock()
}

// Read returns the next packet from the transport in arrival order. Control
// messages with a non-increasing sequence number and undecodable payloads
// yield a [ProtocolError]; transport failures yield the underlying error.
func (c *Conn) Read(ctx context.Context) (Packet, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Packet{}, err
	}
	switch typ {
	case websocket.MessageText:
		msg, err := ParseControl(data)
		if err != nil {
			return Packet{}, err
		}
		seq := msg.envelope().Seq
		c.readMu.Lock()
		last := c.lastRecvSeq
		if seq > last {
			c.lastRecvSeq = seq
		}
		c.readMu.Unlock()
		if seq <= last {
			return Packet{}, Errorf(KindProtocolViolation, "control seq %d not above %d", seq, last)
		}
		return Packet{Msg: msg}, nil
	case websocket.MessageBinary:
		f, err := ParseFrame(data)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Frame: &f}, nil
	default:
		return Packet{}, Errorf(KindProtocolViolation, "unexpected websocket message type %v", typ)
	}
}

// WriteControl stamps the envelope (type, session id, seq, timestamp) and
// writes the message as one text frame.
func (c *Conn) WriteControl(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	env := msg.envelope()
	env.Type = msg.MessageType()
	if env.SessionID == "" {
		env.SessionID = c.sessionID
	}
	env.Seq = c.nextSeq
	env.TimestampMS = uint64(time.Now().UnixMilli())

	data, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("asp: write %s: %w", msg.MessageType(), err)
	}
	c.nextSeq++
	return nil
}

// WriteFrame writes one audio frame as a binary message.
func (c *Conn) WriteFrame(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageBinary, MarshalFrame(f)); err != nil {
		return fmt.Errorf("asp: write frame %d/%d: %w", f.StreamID, f.Seq, err)
	}
	return nil
}

// Close tears the connection down with a normal closure. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return c.closeErr
}
