package epi

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epi-go/epi/etf"
	"github.com/epi-go/epi/lib"
)

// readWake bounds every socket read so the receive worker observes the
// exit flag promptly.
const readWake = 500 * time.Millisecond

// Connection is a framed term transport to one peer. Sends from any
// thread serialize on the socket mutex; a dedicated worker reads
// frames and hands decoded messages to the node dispatcher.
type Connection struct {
	peerName string
	cookie   string
	conn     net.Conn

	node        *Node
	socketMutex sync.Mutex
	exit        int32
}

// NewConnection wraps a handshaked socket to the named peer. The
// connection stays inert until a node registers and starts it.
func NewConnection(peerName, cookie string, conn net.Conn) *Connection {
	return &Connection{
		peerName: peerName,
		cookie:   cookie,
		conn:     conn,
	}
}

// PeerName returns the full node name of the peer.
func (c *Connection) PeerName() string {
	return c.peerName
}

// attach wires the connection to its receiving node.
func (c *Connection) attach(node *Node) {
	c.node = node
}

// start launches the receive worker on the node's worker group.
func (c *Connection) start() {
	c.node.workers.Go(c.serve)
}

func (c *Connection) exiting() bool {
	return atomic.LoadInt32(&c.exit) == 1
}

// Close stops the receive worker and closes the socket.
func (c *Connection) Close() {
	atomic.StoreInt32(&c.exit, 1)
	c.conn.Close()
}

// readFull reads exactly len(buf) bytes, waking every readWake to
// check the exit flag. Returns false when the connection is shutting
// down.
func (c *Connection) readFull(buf []byte) (bool, error) {
	off := 0
	for off < len(buf) {
		if c.exiting() {
			return false, nil
		}
		c.conn.SetReadDeadline(time.Now().Add(readWake))
		n, err := c.conn.Read(buf[off:])
		off += n
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return false, err
		}
	}
	return true, nil
}

// serve is the receive loop: read a frame, decode control and payload,
// deliver the typed message. I/O failures surface as an ErrorMessage
// and end the loop; the node then drops the connection.
func (c *Connection) serve() error {
	head := make([]byte, 4)
	for {
		ok, err := c.readFull(head)
		if err != nil {
			c.deliverError(err)
			return nil
		}
		if !ok {
			return nil
		}

		length := binary.BigEndian.Uint32(head)
		if length == 0 {
			// keepalive tick; answer in kind
			lib.Log("connection %s: tick", c.peerName)
			c.sendTick()
			continue
		}

		payload := make([]byte, length)
		ok, err = c.readFull(payload)
		if err != nil {
			c.deliverError(err)
			return nil
		}
		if !ok {
			return nil
		}

		msg, fatal := c.decodeFrame(payload)
		if msg != nil {
			c.node.deliver(c, msg)
		}
		if fatal {
			return nil
		}
	}
}

// decodeFrame turns one frame into a typed message. A nil message
// means the frame was consumed without producing one; fatal requests
// loop termination.
func (c *Connection) decodeFrame(payload []byte) (Message, bool) {
	ctrl, rest, err := etf.Decode(payload)
	if err != nil {
		return &ErrorMessage{Err: fmt.Errorf("epi: bad control frame from %s: %w", c.peerName, err)}, true
	}

	tuple, ok := ctrl.(etf.Tuple)
	if !ok || len(tuple) < 1 {
		return &ErrorMessage{Err: fmt.Errorf("epi: control frame from %s is not a tuple", c.peerName)}, true
	}
	code, ok := tuple[0].(int64)
	if !ok {
		return &ErrorMessage{Err: fmt.Errorf("epi: control frame from %s has no code", c.peerName)}, true
	}

	switch code {
	case protoSend:
		// {2, Cookie, ToPid}
		if len(tuple) != 3 {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed SEND from %s", c.peerName)}, true
		}
		cookie, _ := tuple[1].(etf.Atom)
		to, ok := tuple[2].(etf.Pid)
		if !ok {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed SEND from %s", c.peerName)}, true
		}
		if string(cookie) != c.cookie {
			return &AuthErrorMessage{To: to, Err: &AuthError{Peer: c.peerName, Cookie: cookie}}, false
		}
		term, _, err := etf.Decode(rest)
		if err != nil {
			return &ErrorMessage{Err: fmt.Errorf("epi: bad SEND payload from %s: %w", c.peerName, err)}, true
		}
		return &SendMessage{To: to, Payload: term}, false

	case protoRegSend:
		// {6, FromPid, Cookie, ToName}
		if len(tuple) != 4 {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed REG_SEND from %s", c.peerName)}, true
		}
		from, _ := tuple[1].(etf.Pid)
		cookie, _ := tuple[2].(etf.Atom)
		toName, ok := tuple[3].(etf.Atom)
		if !ok {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed REG_SEND from %s", c.peerName)}, true
		}
		if string(cookie) != c.cookie {
			return &AuthErrorMessage{To: toName, Err: &AuthError{Peer: c.peerName, Cookie: cookie}}, false
		}
		term, _, err := etf.Decode(rest)
		if err != nil {
			return &ErrorMessage{Err: fmt.Errorf("epi: bad REG_SEND payload from %s: %w", c.peerName, err)}, true
		}
		return &RegSendMessage{From: from, ToName: string(toName), Payload: term}, false

	case protoLink, protoUnlink:
		// {1|4, FromPid, ToPid}
		if len(tuple) != 3 {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed link control from %s", c.peerName)}, true
		}
		from, _ := tuple[1].(etf.Pid)
		to, ok := tuple[2].(etf.Pid)
		if !ok {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed link control from %s", c.peerName)}, true
		}
		if code == protoLink {
			return &LinkMessage{From: from, To: to}, false
		}
		return &UnlinkMessage{From: from, To: to}, false

	case protoExit, protoExit2:
		// {3|8, FromPid, ToPid, Reason}
		if len(tuple) != 4 {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed EXIT from %s", c.peerName)}, true
		}
		from, _ := tuple[1].(etf.Pid)
		to, ok := tuple[2].(etf.Pid)
		if !ok {
			return &ErrorMessage{Err: fmt.Errorf("epi: malformed EXIT from %s", c.peerName)}, true
		}
		return &ExitMessage{From: from, To: to, Reason: tuple[3]}, false
	}

	return &ErrorMessage{Err: fmt.Errorf("epi: unknown control code %d from %s", code, c.peerName)}, true
}

func (c *Connection) deliverError(err error) {
	if c.exiting() {
		return
	}
	lib.Log("connection %s: %v", c.peerName, err)
	c.node.deliver(c, &ErrorMessage{Err: err})
}

// Send writes a SEND control frame with its payload.
func (c *Connection) Send(from, to etf.Pid, term etf.Term) error {
	ctrl := etf.Tuple{protoSend, etf.Atom(c.cookie), to}
	return c.sendFrame(ctrl, term, true)
}

// SendReg writes a REG_SEND control frame with its payload.
func (c *Connection) SendReg(from etf.Pid, toName string, term etf.Term) error {
	ctrl := etf.Tuple{protoRegSend, from, etf.Atom(c.cookie), etf.Atom(toName)}
	return c.sendFrame(ctrl, term, true)
}

// SendExit writes an EXIT control frame.
func (c *Connection) SendExit(from, to etf.Pid, reason etf.Term) error {
	ctrl := etf.Tuple{protoExit, from, to, reason}
	return c.sendFrame(ctrl, nil, false)
}

// SendLink writes a LINK control frame.
func (c *Connection) SendLink(from, to etf.Pid) error {
	return c.sendFrame(etf.Tuple{protoLink, from, to}, nil, false)
}

// SendUnlink writes an UNLINK control frame.
func (c *Connection) SendUnlink(from, to etf.Pid) error {
	return c.sendFrame(etf.Tuple{protoUnlink, from, to}, nil, false)
}

// sendFrame encodes the control tuple (and payload when present) into
// one length-prefixed frame and writes it under the socket mutex.
func (c *Connection) sendFrame(ctrl etf.Tuple, payload etf.Term, withPayload bool) error {
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	b.Allocate(4)
	if err := etf.Encode(ctrl, b, true); err != nil {
		return err
	}
	if withPayload {
		if err := etf.Encode(payload, b, true); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(b.B[0:4], uint32(b.Len()-4))

	c.socketMutex.Lock()
	defer c.socketMutex.Unlock()
	return b.WriteDataTo(c.conn)
}

func (c *Connection) sendTick() {
	c.socketMutex.Lock()
	defer c.socketMutex.Unlock()
	c.conn.Write([]byte{0, 0, 0, 0})
}
